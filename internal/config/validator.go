package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/admitgw/internal/ratelimit"
)

// FieldError is one invalid field.
type FieldError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e FieldError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationError lists every invalid field of a configuration.
type ValidationError struct {
	Fields []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch len(e.Fields) {
	case 0:
		return "no validation errors"
	case 1:
		return "invalid configuration: " + e.Fields[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid configuration: %d errors:", len(e.Fields))
	for i, f := range e.Fields {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, f.Error())
	}
	return sb.String()
}

// Paths returns the invalid field paths in order.
func (e *ValidationError) Paths() []string {
	paths := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		paths[i] = f.Path
	}
	return paths
}

type validator struct {
	fields []FieldError
}

func (v *validator) addError(path, format string, args ...any) {
	v.fields = append(v.fields, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration. It returns nil or a *ValidationError.
func (c *Config) Validate() error {
	v := &validator{}

	v.validateLogging(&c.Logging)
	v.validateTracing(&c.Tracing)
	v.validateMetrics(&c.Metrics)
	v.validateServer(&c.Server)
	v.validateTrust(&c.Trust)
	v.validateAdmission(&c.Admission)
	v.validateNormalizer(&c.Normalizer)
	v.validateExecutor(&c.Executor)
	if c.Admission.Enabled && c.Admission.Store == StoreRedis {
		v.validateRedis(&c.Redis)
	}

	if len(v.fields) > 0 {
		return &ValidationError{Fields: v.fields}
	}
	return nil
}

func (v *validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", "must be one of debug, info, warn, error")
	}
	if l.Format != "json" && l.Format != "console" {
		v.addError("logging.format", "must be json or console")
	}
	if l.Output != "stdout" && l.Output != "stderr" {
		v.addError("logging.output", "must be stdout or stderr")
	}
}

func (v *validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be within [0, 1]")
	}
}

func (v *validator) validateMetrics(m *MetricsConfig) {
	if !m.Enabled {
		return
	}
	if m.Address == "" {
		v.addError("metrics.address", "is required when metrics are enabled")
	}
	if !strings.HasPrefix(m.Path, "/") {
		v.addError("metrics.path", "must start with /")
	}
}

func (v *validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "is required")
	}
	if s.MaxBodyBytes < 0 {
		v.addError("server.maxBodyBytes", "must not be negative")
	}
	checkNonNegative(v, "server.readTimeout", s.ReadTimeout)
	checkNonNegative(v, "server.writeTimeout", s.WriteTimeout)
	checkNonNegative(v, "server.idleTimeout", s.IdleTimeout)
	checkNonNegative(v, "server.shutdownTimeout", s.ShutdownTimeout)
	for i, p := range s.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			v.addError(fmt.Sprintf("server.trustedProxies[%d]", i), "must be an IP or CIDR")
		}
	}

	if s.TLS != nil {
		if s.TLS.CertFile == "" {
			v.addError("server.tls.certFile", "is required")
		}
		if s.TLS.KeyFile == "" {
			v.addError("server.tls.keyFile", "is required")
		}
	}
}

func (v *validator) validateTrust(t *TrustConfig) {
	if t.Enabled && t.PeerHostname == "" {
		v.addError("trust.peerHostname", "is required when trust is enabled")
	}
	checkNonNegative(v, "trust.fetchTimeout", t.FetchTimeout)
	checkNonNegative(v, "trust.ocspFreshness", t.OCSPFreshness)
	checkNonNegative(v, "trust.crlFreshness", t.CRLFreshness)
	checkNonNegative(v, "trust.ocspCleanupInterval", t.OCSPCleanupInterval)
	checkNonNegative(v, "trust.crlCleanupInterval", t.CRLCleanupInterval)
	if t.MaxCRLBytes < 0 {
		v.addError("trust.maxCRLBytes", "must not be negative")
	}
	if t.HostRate < 0 {
		v.addError("trust.hostRate", "must not be negative")
	}
	if t.HostBurst < 0 {
		v.addError("trust.hostBurst", "must not be negative")
	}
}

func (v *validator) validateAdmission(a *AdmissionConfig) {
	switch a.Store {
	case StoreLocal, StoreMemory, StoreRedis:
	default:
		v.addError("admission.store", "must be one of local, memory, redis")
	}
	checkNonNegative(v, "admission.storeTimeout", a.StoreTimeout)

	if !a.Enabled {
		return
	}
	if _, err := ratelimit.ParseAlgorithm(a.Algorithm); err != nil {
		v.addError("admission.algorithm", "must be one of token_bucket, sliding_window, hybrid")
		return
	}
	if err := a.RateLimit().Validate(); err != nil {
		v.addError("admission", "%s", strings.TrimPrefix(err.Error(), ratelimit.ErrInvalidConfig.Error()+": "))
	}
}

func (v *validator) validateNormalizer(n *NormalizerConfig) {
	if n.MaxDepth < 0 {
		v.addError("normalizer.maxDepth", "must not be negative")
	}
	if n.FragmentCacheSize < 0 {
		v.addError("normalizer.fragmentCacheSize", "must not be negative")
	}
}

func (v *validator) validateExecutor(e *ExecutorConfig) {
	switch e.Type {
	case ExecutorEcho:
	case ExecutorUpstream:
		u, err := url.Parse(e.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.addError("executor.url", "must be an absolute http or https URL")
		}
	default:
		v.addError("executor.type", "must be echo or upstream")
	}
	checkNonNegative(v, "executor.timeout", e.Timeout)
	if e.Retry.MaxRetries < 0 {
		v.addError("executor.retry.maxRetries", "must not be negative")
	}
	checkNonNegative(v, "executor.retry.initialBackoff", e.Retry.InitialBackoff)
	checkNonNegative(v, "executor.retry.maxBackoff", e.Retry.MaxBackoff)
	checkNonNegative(v, "executor.circuitBreaker.timeout", e.CircuitBreaker.Timeout)
}

func (v *validator) validateRedis(r *RedisConfig) {
	if r.Address == "" {
		v.addError("redis.address", "is required for the redis store")
	}
	if r.DB < 0 {
		v.addError("redis.db", "must not be negative")
	}
	if r.ConnectionRetries < 0 {
		v.addError("redis.connectionRetries", "must not be negative")
	}
}

func checkNonNegative(v *validator, path string, d Duration) {
	if d < 0 {
		v.addError(path, "must not be negative")
	}
}
