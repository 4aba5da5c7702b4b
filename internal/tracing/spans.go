package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrConsumerGroup  = "messaging.kafka.consumer.group"
	AttrPayloadKind    = "cdc.payload.kind"
)

// SpanKafkaConsume covers the handling of one consumed record.
const SpanKafkaConsume = "kafka.consume"

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// KafkaTopicAttr returns the topic attribute.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns the partition attribute.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

// KafkaOffsetAttr returns the record offset attribute.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// ConsumerGroupAttr returns the consumer group attribute.
func ConsumerGroupAttr(group string) attribute.KeyValue {
	return attribute.String(AttrConsumerGroup, group)
}

// PayloadKindAttr returns the decoded payload kind attribute (empty, decoded or raw).
func PayloadKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrPayloadKind, kind)
}
