package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"conduit/pkg/models"
)

func TestInjectExtractEnvelope(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	env := models.Envelope{ID: "m1", Headers: map[string]string{"tenant": "acme"}}
	injected := InjectEnvelope(ctx, env)

	require.NotEmpty(t, injected.Header("traceparent"))
	assert.Equal(t, "acme", injected.Header("tenant"))
	assert.Empty(t, env.Header("traceparent"), "original headers must not change")

	extracted := trace.SpanContextFromContext(ExtractEnvelope(context.Background(), injected))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
}

func TestInjectEnvelope_NoSpan(t *testing.T) {
	env := models.Envelope{ID: "m1"}
	assert.Nil(t, InjectEnvelope(context.Background(), env).Headers)
}

func TestKafkaHeaders_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	headers := InjectKafkaHeaders(ctx, []kafka.Header{
		{Key: "traceparent", Value: []byte("stale")},
		{Key: "conduit-shard", Value: []byte("eu")},
	})
	m := KafkaHeaderMap(headers)
	assert.Equal(t, "eu", m["conduit-shard"])
	assert.NotEqual(t, "stale", m["traceparent"])

	msgCtx, consumed := StartSpanFromKafkaMessage(context.Background(), "consume", kafka.Message{Topic: "in", Headers: headers})
	defer consumed.End()
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(msgCtx).TraceID())
}
