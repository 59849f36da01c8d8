package gateway

import (
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/normalize"
	"github.com/vyrodovalexey/admitgw/internal/observability"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit"
	"github.com/vyrodovalexey/admitgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/admitgw/internal/trust"
)

// NewVerifier builds a trust verifier from the trust section. An empty
// RootsFile uses the system pool.
func NewVerifier(cfg *config.TrustConfig, logger observability.Logger, metrics *trust.Metrics) (*trust.Verifier, error) {
	var roots *x509.CertPool
	if cfg.RootsFile != "" {
		data, err := os.ReadFile(cfg.RootsFile) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read trust roots: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.RootsFile)
		}
	}

	fetcher := trust.NewHTTPFetcher(
		trust.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout.Duration()}),
		trust.WithMaxResponseSize(cfg.MaxCRLBytes),
		trust.WithHostRate(cfg.HostRate, cfg.HostBurst),
		trust.WithFetcherLogger(logger),
		trust.WithFetcherMetrics(metrics),
	)

	opts := []trust.Option{
		trust.WithFetcher(fetcher),
		trust.WithFetchTimeout(cfg.FetchTimeout.Duration()),
		trust.WithFreshness(cfg.OCSPFreshness.Duration(), cfg.CRLFreshness.Duration()),
		trust.WithLogger(logger),
		trust.WithMetrics(metrics),
	}
	if roots != nil {
		opts = append(opts, trust.WithRoots(roots))
	}
	return trust.NewVerifier(opts...), nil
}

// NewStore builds the shared admission store. The local store yields nil.
func NewStore(cfg *config.Config, logger observability.Logger, metrics *store.Metrics) (store.Store, error) {
	switch cfg.Admission.Store {
	case config.StoreMemory:
		return store.New(store.TypeMemory, nil)
	case config.StoreRedis:
		return store.New(store.TypeRedis, cfg.Redis.StoreConfig(logger, metrics))
	default:
		return nil, nil
	}
}

// NewExecutor builds the executor selected by the executor section.
func NewExecutor(cfg *config.ExecutorConfig, logger observability.Logger, metrics *Metrics) Executor {
	if cfg.Type != config.ExecutorUpstream {
		return EchoExecutor{}
	}
	return NewUpstreamExecutor(cfg.URL,
		WithUpstreamClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
		WithUpstreamRetry(cfg.RetryPolicy()),
		WithUpstreamBreaker(cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.Timeout.Duration()),
		WithUpstreamLogger(logger),
		WithUpstreamMetrics(metrics),
	)
}

// newChecker builds the admission controller for one configuration snapshot.
func newChecker(cfg *config.AdmissionConfig, s store.Store, logger observability.Logger,
	metrics *ratelimit.Metrics, extra []ratelimit.Option) (ratelimit.Checker, error) {
	if !cfg.Enabled {
		return ratelimit.NoopChecker{}, nil
	}

	opts := []ratelimit.Option{
		ratelimit.WithStoreTimeout(cfg.StoreTimeout.Duration()),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(metrics),
	}
	if s != nil {
		opts = append(opts, ratelimit.WithStore(s))
	}
	opts = append(opts, extra...)

	controller, err := ratelimit.NewController(cfg.RateLimit(), opts...)
	if err != nil {
		return nil, err
	}
	return controller, nil
}

// newNormalizer builds a normalizer, keeping the previous fragment cache when
// its size did not change.
func newNormalizer(cfg *config.NormalizerConfig, prev *pipeline, logger observability.Logger,
	metrics *normalize.Metrics) *normalize.Normalizer {
	var cache *normalize.FragmentCache
	if prev != nil && prev.cfg.Normalizer.FragmentCacheSize == cfg.FragmentCacheSize {
		cache = prev.normalizer.Cache()
	} else {
		cache = normalize.NewFragmentCache(cfg.FragmentCacheSize)
	}

	return normalize.New(
		normalize.WithMaxDepth(cfg.MaxDepth),
		normalize.WithFragmentCache(cache),
		normalize.WithLogger(logger),
		normalize.WithMetrics(metrics),
	)
}
