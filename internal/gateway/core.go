package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/observability"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/admitgw/internal/trust"
)

// admissionCost is charged for every request.
const admissionCost = 1

// Request is one inbound payload.
type Request struct {
	// Endpoint keys admission limits and hints the wire format, e.g. "/graphql".
	Endpoint string

	// Peer identifies the client for per-peer limits, usually its IP.
	Peer string

	ContentType string
	Payload     []byte

	// PeerCertificate is the DER or PEM leaf of a mutually authenticated
	// peer. Trust verification only runs when it is set.
	PeerCertificate []byte

	// PeerChain holds the PEM intermediates presented with PeerCertificate.
	PeerChain []byte
}

// Result is a processed request.
type Result struct {
	// Body is the executor response encoded for the request's protocol.
	Body []byte

	Request *normalize.NormalizedRequest
}

// ContentType returns the media type of Body.
func (r *Result) ContentType() string {
	if r.Request != nil && r.Request.Origin.Protocol == normalize.ProtocolBinary {
		return normalize.ContentTypeBinary
	}
	return "application/json"
}

// pipeline is the reloadable part of the core.
type pipeline struct {
	cfg        *config.Config
	checker    ratelimit.Checker
	normalizer *normalize.Normalizer
}

// Core runs trust verification, admission, normalization and execution for
// each request. Admission and normalization are rebuilt by Reload; the trust
// verifier, its caches, the store and the executor live as long as the Core.
type Core struct {
	verifier  *trust.Verifier
	executor  Executor
	store     store.Store
	ownsStore bool
	current   atomic.Pointer[pipeline]

	logger      observability.Logger
	telemetry   *Telemetry
	tracer      trace.Tracer
	limiterOpts []ratelimit.Option
}

// Option configures a Core.
type Option func(*Core)

// WithVerifier replaces the verifier built from the trust section.
func WithVerifier(v *trust.Verifier) Option {
	return func(c *Core) {
		c.verifier = v
	}
}

// WithExecutor replaces the executor built from the executor section.
func WithExecutor(e Executor) Option {
	return func(c *Core) {
		c.executor = e
	}
}

// WithStore replaces the admission store built from the configuration. The
// caller keeps ownership.
func WithStore(s store.Store) Option {
	return func(c *Core) {
		c.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithTelemetry sets the metric sinks.
func WithTelemetry(t *Telemetry) Option {
	return func(c *Core) {
		c.telemetry = t
	}
}

// WithRateLimitOptions appends options to every admission controller built
// by the core, e.g. a test clock.
func WithRateLimitOptions(opts ...ratelimit.Option) Option {
	return func(c *Core) {
		c.limiterOpts = append(c.limiterOpts, opts...)
	}
}

// New builds a Core from cfg.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	c := &Core{
		logger:    observability.NopLogger(),
		telemetry: &Telemetry{},
		tracer:    otel.Tracer("admitgw/gateway"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.telemetry == nil {
		c.telemetry = &Telemetry{}
	}

	if c.verifier == nil && cfg.Trust.Enabled {
		v, err := NewVerifier(&cfg.Trust, c.logger.Named("trust"), c.telemetry.Trust)
		if err != nil {
			return nil, err
		}
		c.verifier = v
	}
	if c.executor == nil {
		c.executor = NewExecutor(&cfg.Executor, c.logger.Named("executor"), c.telemetry.Gateway)
	}
	if c.store == nil && cfg.Admission.Enabled {
		s, err := NewStore(cfg, c.logger.Named("store"), c.telemetry.Store)
		if err != nil {
			return nil, err
		}
		c.store, c.ownsStore = s, s != nil
	}

	p, err := c.build(cfg, nil)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.current.Store(p)
	return c, nil
}

func (c *Core) build(cfg *config.Config, prev *pipeline) (*pipeline, error) {
	checker, err := newChecker(&cfg.Admission, c.store, c.logger.Named("ratelimit"),
		c.telemetry.RateLimit, c.limiterOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build admission controller: %w", err)
	}
	return &pipeline{
		cfg:        cfg,
		checker:    checker,
		normalizer: newNormalizer(&cfg.Normalizer, prev, c.logger.Named("normalize"), c.telemetry.Normalize),
	}, nil
}

// Reload swaps in an admission controller and normalizer built from cfg.
// Requests in flight finish on the previous pair. On error the current pair stays.
func (c *Core) Reload(cfg *config.Config) error {
	if cfg == nil {
		return ErrNilConfig
	}

	prev := c.current.Load()
	p, err := c.build(cfg, prev)
	if err != nil {
		c.telemetry.Gateway.recordReload(false)
		c.logger.Error("configuration reload rejected", observability.Error(err))
		return err
	}
	c.current.Store(p)
	c.telemetry.Gateway.recordReload(true)

	if restartRequired(prev.cfg, cfg) {
		c.logger.Warn("trust, executor and admission store changes take effect after a restart")
	}
	c.logger.Info("configuration reloaded",
		observability.Bool("admission_enabled", cfg.Admission.Enabled),
		observability.String("algorithm", cfg.Admission.Algorithm),
		observability.Int("max_depth", cfg.Normalizer.MaxDepth),
	)
	return nil
}

func restartRequired(prev, next *config.Config) bool {
	return prev.Trust != next.Trust ||
		prev.Executor != next.Executor ||
		prev.Admission.Store != next.Admission.Store ||
		prev.Redis != next.Redis
}

// Config returns the configuration snapshot in use.
func (c *Core) Config() *config.Config {
	return c.current.Load().cfg
}

// Verifier returns the trust verifier, or nil when trust is disabled.
func (c *Core) Verifier() *trust.Verifier {
	return c.verifier
}

// Normalizer returns the normalizer in use.
func (c *Core) Normalizer() *normalize.Normalizer {
	return c.current.Load().normalizer
}

// Store returns the shared admission store, or nil.
func (c *Core) Store() store.Store {
	return c.store
}

// Close releases the admission store when the core created it.
func (c *Core) Close() error {
	if c.ownsStore && c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Process runs req through the pipeline. Errors are *StageError values.
func (c *Core) Process(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.Process",
		trace.WithAttributes(attribute.String("gateway.endpoint", req.Endpoint)),
	)
	defer span.End()

	start := time.Now()
	res, err := c.process(ctx, c.current.Load(), req)

	protocol := "unknown"
	if res != nil && res.Request != nil {
		protocol = string(res.Request.Origin.Protocol)
	}
	outcome := outcomeOf(err)
	c.telemetry.Gateway.recordRequest(protocol, outcome, time.Since(start))
	span.SetAttributes(attribute.String("gateway.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Core) process(ctx context.Context, p *pipeline, req *Request) (*Result, error) {
	peer := req.Peer

	if len(req.PeerCertificate) > 0 && c.verifier != nil {
		if err := c.verifier.Verify(ctx, req.PeerCertificate, p.cfg.Trust.PeerHostname, req.PeerChain); err != nil {
			return nil, &StageError{Stage: StageTrust, Err: err}
		}
		if cert, err := trust.ParseCertificate(req.PeerCertificate); err == nil && cert.Subject.CommonName != "" {
			peer = cert.Subject.CommonName
		}
	}

	if !p.cfg.Admission.PerPeer {
		peer = ""
	}
	if !p.checker.Check(ctx, req.Endpoint, peer, admissionCost) {
		return nil, &StageError{Stage: StageAdmission, Err: ErrAdmissionDenied}
	}

	normalized, err := p.normalizer.Normalize(ctx, req.Payload, normalize.HintFor(req.ContentType, req.Endpoint))
	if err != nil {
		return nil, &StageError{Stage: StageNormalize, Err: err}
	}
	res := &Result{Request: normalized}

	response, err := c.executor.Execute(ctx, normalized)
	if err != nil {
		c.logger.WithContext(ctx).Warn("executor failed",
			observability.String("method", normalized.Method),
			observability.Error(err),
		)
		return res, &StageError{Stage: StageExecute, Err: err}
	}

	body, err := normalize.EncodeResponse(normalized.Origin, response)
	if err != nil {
		return res, &StageError{Stage: StageExecute, Err: err}
	}
	res.Body = body
	return res, nil
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	switch StageOf(err) {
	case StageTrust:
		return "untrusted"
	case StageAdmission:
		return "denied"
	case StageNormalize:
		return "invalid"
	default:
		if errors.Is(err, context.Canceled) {
			return "canceled"
		}
		return "execute_failed"
	}
}
