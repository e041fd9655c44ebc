// Package gateway is the HTTP front door: it turns requests into
// (topic, key, payload) triples, hands them to the broker client and maps the
// outcome to an HTTP status.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lsm/basket/internal/broker"
	"github.com/lsm/basket/internal/config"
	"github.com/lsm/basket/internal/correlation"
	"github.com/lsm/basket/internal/observability"
	"github.com/lsm/basket/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAddr is the listen address when no port is given.
const DefaultAddr = ":4000"

// Sender delivers one event to the broker.
type Sender interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// HealthChecker probes broker reachability.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

// StatsSource reports producer counters.
type StatsSource interface {
	Stats() broker.Stats
}

// Server holds the gateway's collaborators. Build the routing tree with Handler.
type Server struct {
	sender   Sender
	health   HealthChecker
	stats    StatsSource
	policies *config.PolicyStore
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	probes   *observability.HealthServer
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Server.
type Option func(*Server)

// WithPolicies sets the ingestion policy source. Without it DefaultPolicy applies.
func WithPolicies(p *config.PolicyStore) Option {
	return func(s *Server) { s.policies = p }
}

// WithLimiter rate limits the ingestion routes.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics records request metrics and, when g is non-nil, serves /metrics from g.
func WithMetrics(m *observability.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithProbes mounts /healthz and /readyz.
func WithProbes(h *observability.HealthServer) Option {
	return func(s *Server) { s.probes = h }
}

// WithStats serves /stats from src.
func WithStats(src StatsSource) Option {
	return func(s *Server) { s.stats = src }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTracer sets the tracer for basket.ingest spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// New creates a Server that sends through sender and answers /health with health.
func New(sender Sender, health HealthChecker, opts ...Option) *Server {
	s := &Server{
		sender: sender,
		health: health,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policies == nil {
		s.policies = config.StaticPolicyStore(config.DefaultPolicy())
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.Config{})
	}
	return s
}

// Handler returns the routing tree wrapped in tracing, panic recovery,
// correlation, CORS and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /events", s.limited(s.handleEvent))
	mux.Handle("POST /events/batch", s.limited(s.handleBatch))
	mux.Handle("POST /events/cloudevents", s.limited(s.handleCloudEvent))
	if s.stats != nil {
		mux.HandleFunc("GET /stats", s.handleStats)
	}
	if s.probes != nil {
		s.probes.Register(mux)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	var h http.Handler = s.instrument(mux)
	h = s.cors(h)
	h = correlation.Middleware(h)
	h = s.recoverPanics(h)
	return otelhttp.NewHandler(h, "basket",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) limited(fn http.HandlerFunc) http.Handler {
	return s.limiter.Middleware(fn, func(w http.ResponseWriter, _ *http.Request) {
		if s.metrics != nil {
			s.metrics.RateLimitedTotal.Inc()
		}
		writeError(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
	})
}
