package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"conduit/pkg/models"
)

// InjectEnvelope returns a copy of env whose headers carry the span context of ctx.
// The original header map is left untouched.
func InjectEnvelope(ctx context.Context, env models.Envelope) models.Envelope {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return env
	}

	carrier := make(propagation.MapCarrier, len(env.Headers)+2)
	for k, v := range env.Headers {
		carrier[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	env.Headers = carrier
	return env
}

func ExtractEnvelope(ctx context.Context, env models.Envelope) context.Context {
	if len(env.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
}

// StartSpanFromEnvelope continues the trace carried in env's headers.
func StartSpanFromEnvelope(ctx context.Context, operationName string, env models.Envelope) (context.Context, trace.Span) {
	ctx = ExtractEnvelope(ctx, env)
	return Tracer("stream").Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis_streams"),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.message.type", env.Type),
			attribute.String("messaging.destination.name", env.Stream),
		))
}
