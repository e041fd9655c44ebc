package retry

import (
	"context"
	"log/slog"

	"github.com/lsm/basket/internal/broker"
	"github.com/prometheus/client_golang/prometheus"
)

// Sender is the send operation being retried.
type Sender interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// RetryingSender repeats sends that fail with a retryable broker.SendError.
type RetryingSender struct {
	next    Sender
	cfg     Config
	logger  *slog.Logger
	retries prometheus.Counter
}

// Option configures a RetryingSender.
type Option func(*RetryingSender)

func WithLogger(l *slog.Logger) Option {
	return func(s *RetryingSender) { s.logger = l }
}

// WithCounter increments c for every repeated attempt.
func WithCounter(c prometheus.Counter) Option {
	return func(s *RetryingSender) { s.retries = c }
}

// NewSender wraps next. When cfg is not Enabled the wrapper makes exactly one attempt.
func NewSender(next Sender, cfg Config, opts ...Option) *RetryingSender {
	s := &RetryingSender{next: next, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delegates to the wrapped sender, retrying timeouts and broker
// unavailability. The caller's cancellation ends retrying but never interrupts
// an attempt already handed to the broker.
func (s *RetryingSender) Send(ctx context.Context, topic, key string, payload []byte) error {
	return Do(ctx, s.cfg, broker.IsRetryable, func(attempt int) error {
		if attempt > 0 {
			if s.retries != nil {
				s.retries.Inc()
			}
			s.logger.Info("retrying send", "topic", topic, "attempt", attempt+1)
		}
		return s.next.Send(ctx, topic, key, payload)
	})
}

// SendBatch sends recs and resends only the records that failed with a
// retryable error, until none are left or attempts run out. A record that
// needed another attempt lands after same-key records acknowledged earlier.
func (s *RetryingSender) SendBatch(ctx context.Context, recs []broker.Record) []error {
	errs := make([]error, len(recs))
	pending := make([]int, len(recs))
	for i := range pending {
		pending[i] = i
	}

	_ = Do(ctx, s.cfg, broker.IsRetryable, func(attempt int) error {
		if attempt > 0 {
			if s.retries != nil {
				s.retries.Add(float64(len(pending)))
			}
			s.logger.Info("retrying batch", "records", len(pending), "attempt", attempt+1)
		}

		batch := make([]broker.Record, len(pending))
		for j, i := range pending {
			batch[j] = recs[i]
		}

		var again []int
		var retryErr error
		for j, err := range broker.SendAll(ctx, s.next, batch) {
			i := pending[j]
			errs[i] = err
			if err != nil && broker.IsRetryable(err) {
				again = append(again, i)
				if retryErr == nil {
					retryErr = err
				}
			}
		}
		pending = again
		return retryErr
	})
	return errs
}
