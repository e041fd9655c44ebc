package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send results used as the "result" label of basket_send_total.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// OtherTopic is the topic label for sends to topics outside the allow-list.
const OtherTopic = "other"

// Metrics holds the gateway's Prometheus metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	SendTotal        *prometheus.CounterVec
	SendDuration     *prometheus.HistogramVec
	HealthChecks     *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	RetriesTotal     prometheus.Counter
	CircuitState     prometheus.Gauge
	DeadLettered     *prometheus.CounterVec

	topics atomic.Pointer[map[string]struct{}]
}

// NewMetrics creates and registers all gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "basket_requests_total",
			Help: "HTTP requests handled, by route and status code.",
		}, []string{"route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "basket_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		SendTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "basket_send_total",
			Help: "Records handed to the broker, by topic and result.",
		}, []string{"topic", "result"}),

		SendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "basket_send_duration_seconds",
			Help:    "Time from hand-off to broker acknowledgment.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"topic"}),

		HealthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "basket_health_checks_total",
			Help: "Broker health probes by outcome.",
		}, []string{"result"}),

		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "basket_rate_limited_total",
			Help: "Ingestion requests rejected by rate limiting.",
		}),

		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "basket_retries_total",
			Help: "Send attempts repeated after a retryable failure.",
		}),

		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "basket_circuit_state",
			Help: "Send circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "basket_dead_lettered_total",
			Help: "Rejected records copied to the dead-letter topic, by result.",
		}, []string{"result"}),
	}
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetTopics sets the topics that get their own send series. Every other
// topic, including all topics before the first call, is labelled OtherTopic.
func (m *Metrics) SetTopics(topics []string) {
	if m == nil {
		return
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	m.topics.Store(&set)
}

func (m *Metrics) topicLabel(topic string) string {
	if set := m.topics.Load(); set != nil {
		if _, ok := (*set)[topic]; ok {
			return topic
		}
	}
	return OtherTopic
}

// ObserveSend records one finished broker send.
func (m *Metrics) ObserveSend(topic string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	label := m.topicLabel(topic)
	m.SendTotal.WithLabelValues(label, result).Inc()
	m.SendDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// ObserveHealth records one broker health probe.
func (m *Metrics) ObserveHealth(healthy bool) {
	if m == nil {
		return
	}
	result := "up"
	if !healthy {
		result = "down"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
}
