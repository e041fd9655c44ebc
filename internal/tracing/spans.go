package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrCorrelationID  = "basket.correlation_id"
	AttrRoute          = "basket.route"
	AttrSendErrorKind  = "basket.send_error.kind"
	AttrKafkaTopic     = "messaging.destination.name"
	AttrKafkaKey       = "messaging.kafka.message.key"
	AttrKafkaPartition = "messaging.kafka.destination.partition"
	AttrKafkaOffset    = "messaging.kafka.message.offset"
	AttrPayloadBytes   = "messaging.message.body.size"
	AttrBatchSize      = "messaging.batch.message_count"
	AttrBatchFailed    = "basket.batch.failed_count"
)

// Span names.
const (
	SpanIngest       = "basket.ingest"
	SpanKafkaPublish = "kafka.publish"
	SpanHealthProbe  = "kafka.metadata"
)

// StartSpan starts a span. With a nil tracer it returns ctx unchanged and a
// non-recording span, so ending it never touches a span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, noop.Span{}
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func RouteAttr(route string) attribute.KeyValue {
	return attribute.String(AttrRoute, route)
}

func SendErrorKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrSendErrorKind, kind)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaKeyAttr(key string) attribute.KeyValue {
	return attribute.String(AttrKafkaKey, key)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

func PayloadBytesAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrPayloadBytes, n)
}

func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

func BatchFailedAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchFailed, n)
}
