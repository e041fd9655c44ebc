// Package broker delivers events to a Kafka-compatible broker and reports
// broker reachability.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lsm/basket/internal/correlation"
	"github.com/lsm/basket/internal/kafka"
	"github.com/lsm/basket/internal/observability"
	"github.com/lsm/basket/internal/tracing"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHealthTimeout bounds a single Health probe.
const DefaultHealthTimeout = 2 * time.Second

// producer abstracts the kgo.Client methods used by Client for testing.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// metadataProber abstracts the admin call used for health probes.
type metadataProber interface {
	BrokerMetadata(ctx context.Context) (kadm.Metadata, error)
}

// Client is a long-lived broker session shared by all request handlers.
// It is safe for concurrent use.
type Client struct {
	producer producer
	prober   metadataProber

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	deliveryTimeout time.Duration
	healthTimeout   time.Duration

	sent          atomic.Uint64
	failed        atomic.Uint64
	inFlight      atomic.Int64
	lastErrorTime atomic.Int64
	lastProbeTime atomic.Int64
	healthy       atomic.Bool
	closed        atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for send failures, probe failures and kgo internals.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the tracer used for kafka.publish spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMetrics records send and health outcomes in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHealthTimeout overrides DefaultHealthTimeout.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.healthTimeout = d
		}
	}
}

// New creates a Client for cfg. It does not contact the broker; the first
// send or probe establishes connections.
func New(cfg *kafka.ClusterConfig, opts ...Option) (*Client, error) {
	kopts, err := kafka.ClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	c := newClient(cfg.EffectiveDeliveryTimeout(), opts...)
	kopts = append(kopts, kgo.WithLogger(newKgoLogger(c.logger)))

	kc, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	c.producer = kc
	c.prober = kadm.NewClient(kc)
	return c, nil
}

func newClient(deliveryTimeout time.Duration, opts ...Option) *Client {
	c := &Client{
		logger:          slog.Default(),
		deliveryTimeout: deliveryTimeout,
		healthTimeout:   DefaultHealthTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type delivery struct {
	rec *kgo.Record
	err error
}

// Send publishes payload to topic with an optional partition key and waits for
// the broker's acknowledgment. An empty key leaves partitioning to the client.
//
// Cancellation of ctx does not abandon the record; the configured delivery
// timeout bounds the call instead. Failures are returned as *SendError.
func (c *Client) Send(ctx context.Context, topic, key string, payload []byte) error {
	start := time.Now()
	if topic == "" {
		return c.fail(ctx, classify(topic, ErrEmptyTopic), start)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deliveryTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.KafkaTopicAttr(topic), tracing.PayloadBytesAttr(len(payload))),
	)
	defer span.End()

	rec := &kgo.Record{Topic: topic, Value: payload, Headers: recordHeaders(ctx)}
	if key != "" {
		rec.Key = []byte(key)
		span.SetAttributes(tracing.KafkaKeyAttr(key))
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	done := make(chan delivery, 1)
	c.producer.Produce(ctx, rec, func(r *kgo.Record, err error) {
		done <- delivery{rec: r, err: err}
	})

	var err error
	select {
	case d := <-done:
		err = d.err
		if err == nil && d.rec != nil {
			span.SetAttributes(tracing.KafkaPartitionAttr(d.rec.Partition), tracing.KafkaOffsetAttr(d.rec.Offset))
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		se := classify(topic, err)
		span.SetAttributes(tracing.SendErrorKindAttr(se.Kind.String()))
		tracing.SetSpanError(span, se)
		return c.fail(ctx, se, start)
	}

	tracing.SetSpanOK(span)
	c.sent.Add(1)
	c.metrics.ObserveSend(topic, nil, time.Since(start))
	return nil
}

func (c *Client) fail(ctx context.Context, se *SendError, start time.Time) error {
	c.failed.Add(1)
	c.lastErrorTime.Store(time.Now().UnixNano())
	c.metrics.ObserveSend(se.Topic, se, time.Since(start))
	observability.NewTraceLogger(c.logger).Warn(ctx, "send failed",
		"topic", se.Topic, "kind", se.Kind.String(), "error", se.Err)
	return se
}

// recordHeaders converts the correlation and trace headers of ctx in key order.
func recordHeaders(ctx context.Context) []kgo.RecordHeader {
	hdrs := correlation.RecordHeaders(ctx)
	if len(hdrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(hdrs))
	for k := range hdrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kgo.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(hdrs[k])})
	}
	return out
}

// Health reports whether the broker answered a metadata request within the
// health timeout (or the caller's deadline, whichever is sooner). Any failure
// yields false and is logged.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanHealthProbe, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	result := make(chan error, 1)
	go func() {
		md, err := c.prober.BrokerMetadata(ctx)
		if err == nil && len(md.Brokers) == 0 {
			err = errors.New("metadata listed no brokers")
		}
		result <- err
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}

	healthy := err == nil
	if healthy {
		tracing.SetSpanOK(span)
	} else {
		tracing.SetSpanError(span, err)
		c.logger.Warn("broker health check failed", "error", err)
	}
	c.healthy.Store(healthy)
	c.lastProbeTime.Store(time.Now().UnixNano())
	c.metrics.ObserveHealth(healthy)
	return healthy
}

// Stats is a point-in-time snapshot of producer counters.
type Stats struct {
	Sent          uint64     `json:"sent"`
	Failed        uint64     `json:"failed"`
	InFlight      int64      `json:"in_flight"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
	LastProbeTime *time.Time `json:"last_probe_time,omitempty"`
	Healthy       bool       `json:"healthy"`
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	return Stats{
		Sent:          c.sent.Load(),
		Failed:        c.failed.Load(),
		InFlight:      c.inFlight.Load(),
		LastErrorTime: unixTime(c.lastErrorTime.Load()),
		LastProbeTime: unixTime(c.lastProbeTime.Load()),
		Healthy:       c.healthy.Load(),
	}
}

func unixTime(ns int64) *time.Time {
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns).UTC()
	return &t
}

// Close flushes buffered records until ctx is done, then closes the session.
// It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.producer.Flush(ctx)
	c.producer.Close()
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
