package hooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagwatch/internal/feature"
)

const (
	attrFlagKey      = attribute.Key("feature_flag.key")
	attrContextID    = attribute.Key("feature_flag.context.id")
	attrProviderName = attribute.Key("feature_flag.provider.name")
	attrVariant      = attribute.Key("feature_flag.result.variant")
	attrReason       = attribute.Key("feature_flag.result.reason")
	attrErrorType    = attribute.Key("error.type")

	evaluationEventName = "feature_flag.evaluation"
)

// TraceEnricherHook annotates the caller's active span with flag evaluation
// details. It never starts spans of its own and does nothing when the
// context carries no recording span.
type TraceEnricherHook struct {
	feature.UnimplementedHook
}

func NewTraceEnricherHook() *TraceEnricherHook {
	return &TraceEnricherHook{}
}

func (h *TraceEnricherHook) Before(ctx context.Context, hc *feature.HookContext) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	span.SetAttributes(
		attrFlagKey.String(hc.FlagKey),
		attrContextID.String(hc.EvaluationContext.TargetingKey()),
		attrProviderName.String(hc.ProviderMetadata.Name),
	)
	return nil
}

func (h *TraceEnricherHook) Finally(ctx context.Context, hc *feature.HookContext, details feature.EvaluationDetails[any]) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attrFlagKey.String(hc.FlagKey),
		attrProviderName.String(hc.ProviderMetadata.Name),
		attrReason.String(string(details.Reason)),
	}
	if details.Variant != "" {
		attrs = append(attrs, attrVariant.String(details.Variant))
	}
	if details.ErrorCode != "" {
		attrs = append(attrs, attrErrorType.String(string(details.ErrorCode)))
	}
	span.AddEvent(evaluationEventName, trace.WithAttributes(attrs...))
}
