package circuitbreaker

import (
	"context"

	"github.com/lsm/basket/internal/broker"
)

// Sender is the send operation being guarded.
type Sender interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// GuardedSender fails fast with a BrokerUnavailable error while the breaker is open.
type GuardedSender struct {
	next    Sender
	breaker *Breaker
}

// NewSender wraps next with b.
func NewSender(next Sender, b *Breaker) *GuardedSender {
	return &GuardedSender{next: next, breaker: b}
}

// Send delegates to the wrapped sender when the breaker allows it. Only
// failures that point at the broker count against the circuit; rejected
// records do not.
func (s *GuardedSender) Send(ctx context.Context, topic, key string, payload []byte) error {
	if err := s.breaker.Allow(); err != nil {
		return &broker.SendError{Kind: broker.KindBrokerUnavailable, Topic: topic, Err: err}
	}

	err := s.next.Send(ctx, topic, key, payload)
	s.record([]error{err})
	return err
}

// SendBatch guards a whole batch with one breaker decision and records one
// outcome for it: a failure when any record failed for a broker-side reason.
func (s *GuardedSender) SendBatch(ctx context.Context, recs []broker.Record) []error {
	if err := s.breaker.Allow(); err != nil {
		errs := make([]error, len(recs))
		for i, r := range recs {
			errs[i] = &broker.SendError{Kind: broker.KindBrokerUnavailable, Topic: r.Topic, Err: err}
		}
		return errs
	}

	errs := broker.SendAll(ctx, s.next, recs)
	s.record(errs)
	return errs
}

func (s *GuardedSender) record(errs []error) {
	for _, err := range errs {
		switch broker.KindOf(err) {
		case broker.KindTimeout, broker.KindBrokerUnavailable, broker.KindUnauthenticated:
			s.breaker.RecordFailure()
			return
		}
	}
	s.breaker.RecordSuccess()
}
