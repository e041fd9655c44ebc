package broker

import (
	"context"
	"time"

	"github.com/lsm/basket/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

// Record is one event of a batch.
type Record struct {
	Topic   string
	Key     string
	Payload []byte
}

// Sender delivers one record.
type Sender interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// BatchSender delivers several records behind a single bounded wait.
type BatchSender interface {
	SendBatch(ctx context.Context, recs []Record) []error
}

// SendAll sends recs through s and returns one error per record, in order.
// It uses SendBatch when s implements BatchSender and sends records one at a
// time otherwise.
func SendAll(ctx context.Context, s Sender, recs []Record) []error {
	if len(recs) == 0 {
		return nil
	}
	if bs, ok := s.(BatchSender); ok {
		return bs.SendBatch(ctx, recs)
	}
	errs := make([]error, len(recs))
	for i, r := range recs {
		errs[i] = s.Send(ctx, r.Topic, r.Key, r.Payload)
	}
	return errs
}

type indexedDelivery struct {
	index int
	err   error
}

// SendBatch hands every record to the producer in slice order, then waits for
// all acknowledgments under one delivery timeout, so a batch takes about as
// long as its slowest record. Records sharing a key keep their batch order.
// The result holds one *SendError or nil per record.
func (c *Client) SendBatch(ctx context.Context, recs []Record) []error {
	errs := make([]error, len(recs))
	if len(recs) == 0 {
		return errs
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deliveryTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.BatchSizeAttr(len(recs))),
	)
	defer span.End()

	headers := recordHeaders(ctx)
	done := make(chan indexedDelivery, len(recs))
	acked := make([]bool, len(recs))
	produced := 0
	for i, r := range recs {
		if r.Topic == "" {
			errs[i] = ErrEmptyTopic
			continue
		}
		rec := &kgo.Record{Topic: r.Topic, Value: r.Payload, Headers: headers}
		if r.Key != "" {
			rec.Key = []byte(r.Key)
		}
		produced++
		c.producer.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			done <- indexedDelivery{index: i, err: err}
		})
	}
	c.inFlight.Add(int64(produced))
	defer c.inFlight.Add(-int64(produced))

wait:
	for remaining := produced; remaining > 0; remaining-- {
		select {
		case d := <-done:
			acked[d.index] = true
			errs[d.index] = d.err
		case <-ctx.Done():
			break wait
		}
	}

	failed := 0
	elapsed := time.Since(start)
	for i, r := range recs {
		err := errs[i]
		if err == nil && !acked[i] {
			err = ctx.Err()
		}
		if err == nil {
			c.sent.Add(1)
			c.metrics.ObserveSend(r.Topic, nil, elapsed)
			continue
		}
		failed++
		errs[i] = c.fail(ctx, classify(r.Topic, err), start)
	}

	if failed > 0 {
		span.SetAttributes(tracing.BatchFailedAttr(failed))
		tracing.SetSpanError(span, firstError(errs))
	} else {
		tracing.SetSpanOK(span)
	}
	return errs
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
