package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/gateway"
	"github.com/vyrodovalexey/admitgw/internal/health"
	"github.com/vyrodovalexey/admitgw/internal/middleware"
	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// ginModeOnce keeps gin.SetMode out of concurrent constructors.
var ginModeOnce sync.Once

// Processor runs one request through the gateway.
type Processor interface {
	Process(ctx context.Context, req *gateway.Request) (*gateway.Result, error)
}

// Server is the gateway's HTTP listener.
type Server struct {
	cfg        config.ServerConfig
	processor  Processor
	health     *health.Handler
	extractor  *middleware.ClientIPExtractor
	engine     *gin.Engine
	handler    http.Handler
	logger     observability.Logger
	metrics    *middleware.Metrics
	tlsConfig  *tls.Config
	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the HTTP metrics.
func WithMetrics(m *middleware.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth sets the health handler mounted on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// New creates a server for processor. TLS material is loaded here so a bad
// file fails at startup.
func New(cfg config.ServerConfig, processor Processor, opts ...Option) (*Server, error) {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		cfg:       cfg,
		processor: processor,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewHandler(health.WithLogger(s.logger))
	}
	s.extractor = middleware.NewClientIPExtractor(cfg.TrustedProxies, s.logger)

	if cfg.TLS != nil {
		tlsConfig, err := loadTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tlsConfig
	}

	s.engine = gin.New()
	s.health.RegisterRoutes(s.engine)
	s.engine.POST("/*endpoint", s.handleRPC)

	s.handler = middleware.Chain(s.engine,
		middleware.Recovery(s.logger, s.metrics),
		middleware.RequestID(),
		middleware.Tracing("admitgw/http"),
		middleware.Logging(s.logger),
		middleware.Instrument(s.metrics),
		middleware.BodyLimit(cfg.MaxBodyBytes, s.logger, s.metrics),
	)
	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Health returns the health handler.
func (s *Server) Health() *health.Handler {
	return s.health
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.WriteTimeout.Duration(),
		IdleTimeout:  s.cfg.IdleTimeout.Duration(),
		TLSConfig:    s.tlsConfig,
	}
	srv := s.httpServer
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Bool("tls", s.tlsConfig != nil),
	)

	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	err := srv.Serve(ln)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown marks the server draining so readiness fails, then stops
// accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetDraining(true)

	s.mu.Lock()
	srv := s.httpServer
	running := s.running
	s.mu.Unlock()
	if !running || srv == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) handleRPC(c *gin.Context) {
	r := c.Request
	contentType := r.Header.Get(middleware.HeaderContentType)
	hint := normalize.HintFor(contentType, r.URL.Path)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, middleware.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeError(c, status, originFor(hint), nil, err)
		return
	}

	req := &gateway.Request{
		Endpoint:    r.URL.Path,
		Peer:        s.extractor.Extract(r),
		ContentType: contentType,
		Payload:     payload,
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		req.PeerCertificate = r.TLS.PeerCertificates[0].Raw
		req.PeerChain = encodeChain(r.TLS.PeerCertificates[1:])
	}

	res, err := s.processor.Process(r.Context(), req)
	if err != nil {
		origin := originFor(hint)
		var id any
		if res != nil && res.Request != nil {
			origin = res.Request.Origin
			id = res.Request.ID
		}
		s.writeError(c, httpStatus(err), origin, id, err)
		return
	}

	c.Data(http.StatusOK, res.ContentType(), res.Body)
}

func (s *Server) writeError(c *gin.Context, status int, origin normalize.Origin, id any, err error) {
	body, encErr := errorBody(origin, id, err)
	if encErr != nil {
		s.logger.WithContext(c.Request.Context()).Error("failed to encode error response",
			observability.Error(encErr),
		)
		c.Data(http.StatusInternalServerError, middleware.ContentTypeJSON, []byte(`{"error":"internal server error"}`))
		return
	}

	contentType := middleware.ContentTypeJSON
	if origin.Protocol == normalize.ProtocolBinary {
		contentType = normalize.ContentTypeBinary
	}
	c.Data(status, contentType, body)
}

// encodeChain PEM-encodes the intermediates a peer sent after its leaf.
func encodeChain(certs []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

// loadTLS builds the listener TLS config. With a client CA the handshake
// requires a verified client certificate. Without one any certificate is
// requested and left to the trust verifier.
func loadTLS(cfg *config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequestClientCert,
	}
	if cfg.ClientCAFile != "" {
		data, err := os.ReadFile(cfg.ClientCAFile) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("client CA file %s contains no certificates", cfg.ClientCAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}
