package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// DefaultReadinessProbeTimeout bounds one readiness probe.
const DefaultReadinessProbeTimeout = 5 * time.Second

// Probe results.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDraining = "draining"
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Pinger is implemented by dependencies that can be probed, such as the
// Redis admission store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

// Status is the body of a probe response.
type Status struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Version   string                  `json:"version,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type namedCheck struct {
	name  string
	check CheckFunc
}

// Handler serves the probes.
type Handler struct {
	version   string
	timeout   time.Duration
	logger    observability.Logger
	startTime time.Time
	draining  atomic.Bool

	mu     sync.RWMutex
	checks []namedCheck
}

// Option configures a Handler.
type Option func(*Handler)

// WithVersion reports version in probe bodies.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// WithTimeout bounds each readiness probe.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a Handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		timeout:   DefaultReadinessProbeTimeout,
		logger:    observability.NopLogger(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCheck registers a readiness check. A later check with the same name
// replaces the earlier one.
func (h *Handler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i].check = check
			return
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetDraining makes readiness fail so load balancers stop sending traffic.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// IsDraining reports whether the handler is draining.
func (h *Handler) IsDraining() bool {
	return h.draining.Load()
}

// RegisterRoutes mounts /healthz and /readyz.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", h.LivenessHandler())
	r.GET("/readyz", h.ReadinessHandler())
}

// LivenessHandler answers 200 while the process serves requests.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, &Status{
			Status:    StatusOK,
			Timestamp: time.Now().UTC(),
			Version:   h.version,
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler answers 200 when every check passes and the handler is
// not draining, 503 otherwise.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, &Status{
				Status:    StatusDraining,
				Timestamp: time.Now().UTC(),
				Version:   h.version,
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		status := h.runChecks(ctx)
		code := http.StatusOK
		if status.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

func (h *Handler) runChecks(ctx context.Context) *Status {
	h.mu.RLock()
	checks := make([]namedCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &Status{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	}
	if len(checks) == 0 {
		return status
	}
	status.Checks = make(map[string]*CheckResult, len(checks))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, nc := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := nc.check(ctx)
			duration := time.Since(start)

			result := &CheckResult{Status: StatusOK, Duration: duration.String()}
			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				h.logger.Warn("readiness check failed",
					observability.String("check", nc.name),
					observability.Duration("duration", duration),
					observability.Error(err),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[nc.name] = result
			if err != nil {
				status.Status = StatusError
			}
		}()
	}
	wg.Wait()
	return status
}
