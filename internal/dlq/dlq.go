// Package dlq copies records the broker rejected to a dead-letter topic so
// they can be inspected and replayed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lsm/basket/internal/broker"
	"github.com/lsm/basket/internal/correlation"
)

// EventType is the CloudEvents type of a dead-letter record.
const EventType = "dev.basket.deadletter"

const eventSource = "basket"

// Sender is the send operation being watched for rejections.
type Sender interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// Failure is the data of a dead-letter CloudEvent.
type Failure struct {
	OriginalTopic string          `json:"original_topic"`
	Key           string          `json:"key,omitempty"`
	ErrorKind     string          `json:"error_kind"`
	ErrorMessage  string          `json:"error_message"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Handler forwards sends to the next Sender and copies rejected records to
// the dead-letter topic. The caller still sees the original error.
type Handler struct {
	next    Sender
	topic   string
	logger  *slog.Logger
	clock   func() time.Time
	counter *prometheus.CounterVec
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithCounter counts dead-letter writes by result ("ok" or "error").
func WithCounter(c *prometheus.CounterVec) Option {
	return func(h *Handler) { h.counter = c }
}

// WithClock overrides the time source for event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

// NewSender wraps next, dead-lettering into topic.
func NewSender(next Sender, topic string, opts ...Option) *Handler {
	h := &Handler{
		next:   next,
		topic:  topic,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Topic returns the dead-letter topic.
func (h *Handler) Topic() string {
	return h.topic
}

// Send delegates to the wrapped sender. When the broker rejects the record,
// a dead-letter event is written before the original error is returned.
func (h *Handler) Send(ctx context.Context, topic, key string, payload []byte) error {
	err := h.next.Send(ctx, topic, key, payload)
	h.handle(ctx, topic, key, payload, err)
	return err
}

// SendBatch delegates the batch and dead-letters each rejected record.
func (h *Handler) SendBatch(ctx context.Context, recs []broker.Record) []error {
	errs := broker.SendAll(ctx, h.next, recs)
	for i, r := range recs {
		h.handle(ctx, r.Topic, r.Key, r.Payload, errs[i])
	}
	return errs
}

func (h *Handler) handle(ctx context.Context, topic, key string, payload []byte, err error) {
	if err == nil || topic == h.topic || !ShouldDeadLetter(err) {
		return
	}

	result := "ok"
	if dlqErr := h.deadLetter(ctx, topic, key, payload, err); dlqErr != nil {
		result = "error"
		h.logger.Warn("dead-letter write failed", "topic", topic, "dlq_topic", h.topic, "error", dlqErr)
	} else {
		h.logger.Info("record dead-lettered", "topic", topic, "dlq_topic", h.topic, "kind", broker.KindOf(err).String())
	}
	if h.counter != nil {
		h.counter.WithLabelValues(result).Inc()
	}
}

// ShouldDeadLetter reports whether err means the record itself was refused.
// Connectivity failures are excluded; the dead-letter topic lives on the same
// broker.
func ShouldDeadLetter(err error) bool {
	return broker.KindOf(err) == broker.KindRejected && !errors.Is(err, broker.ErrEmptyTopic)
}

func (h *Handler) deadLetter(ctx context.Context, topic, key string, payload []byte, cause error) error {
	data, err := h.envelope(ctx, topic, key, payload, cause)
	if err != nil {
		return err
	}
	if err := h.next.Send(ctx, h.topic, key, data); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", h.topic, err)
	}
	return nil
}

// envelope encodes the failure as a structured-mode CloudEvent.
func (h *Handler) envelope(ctx context.Context, topic, key string, payload []byte, cause error) ([]byte, error) {
	f := Failure{
		OriginalTopic: topic,
		Key:           key,
		ErrorKind:     broker.KindOf(cause).String(),
		ErrorMessage:  cause.Error(),
		Payload:       rawPayload(payload),
	}
	if id, ok := correlation.FromContext(ctx); ok {
		f.CorrelationID = id.Value
	}

	ev := event.New()
	ev.SetID(uuid.NewString())
	ev.SetSource(eventSource)
	ev.SetType(EventType)
	ev.SetSubject(topic)
	ev.SetTime(h.clock().UTC())
	if err := ev.SetData(event.ApplicationJSON, f); err != nil {
		return nil, fmt.Errorf("encode dead-letter data: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal dead-letter event: %w", err)
	}
	return data, nil
}

// rawPayload keeps JSON payloads as-is and quotes anything else.
func rawPayload(payload []byte) json.RawMessage {
	if len(payload) > 0 && json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
