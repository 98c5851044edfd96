// Package hooks contains the stock evaluation hooks: structured logging,
// Prometheus evaluation counters and OpenTelemetry span enrichment.
package hooks

import (
	"context"
	"log/slog"

	"github.com/matt-riley/flagwatch/internal/feature"
)

// LoggingOptions configures a [LoggingHook].
type LoggingOptions struct {
	// Logger receives the records. Production wiring hands in a logger backed
	// by logging.AsyncHandler so evaluations never wait on log I/O.
	Logger *slog.Logger

	// IncludeContext adds the targeting key and attributes to Before records.
	IncludeContext bool
}

// LoggingHook writes one record per interesting stage of an evaluation.
type LoggingHook struct {
	feature.UnimplementedHook

	logger         *slog.Logger
	includeContext bool
}

func NewLoggingHook(opts LoggingOptions) *LoggingHook {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHook{logger: logger, includeContext: opts.IncludeContext}
}

func (h *LoggingHook) Before(ctx context.Context, hc *feature.HookContext) error {
	attrs := []slog.Attr{
		slog.String("flag_key", hc.FlagKey),
		slog.String("flag_type", string(hc.FlagType)),
		slog.String("correlation_id", hc.CorrelationID),
		slog.String("provider", hc.ProviderMetadata.Name),
		slog.Any("default_value", hc.DefaultValue),
	}
	if h.includeContext {
		attrs = append(attrs,
			slog.String("targeting_key", hc.EvaluationContext.TargetingKey()),
			slog.Any("attributes", hc.EvaluationContext.Attributes()),
		)
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, "evaluating flag", attrs...)
	return nil
}

func (h *LoggingHook) Error(ctx context.Context, hc *feature.HookContext, err error) {
	resErr := feature.AsResolutionError(err)
	h.logger.LogAttrs(ctx, slog.LevelError, "flag evaluation failed",
		slog.String("flag_key", hc.FlagKey),
		slog.String("correlation_id", hc.CorrelationID),
		slog.String("error_code", string(resErr.Code)),
		slog.String("error", resErr.Message),
	)
}

func (h *LoggingHook) Finally(ctx context.Context, hc *feature.HookContext, details feature.EvaluationDetails[any]) {
	attrs := []slog.Attr{
		slog.String("flag_key", hc.FlagKey),
		slog.String("correlation_id", hc.CorrelationID),
		slog.Any("value", details.Value),
		slog.String("variant", details.Variant),
		slog.String("reason", string(details.Reason)),
	}
	if details.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", string(details.ErrorCode)))
	}
	h.logger.LogAttrs(ctx, slog.LevelInfo, "flag evaluated", attrs...)
}

// OnEvent logs a provider lifecycle event. It has the [feature.EventCallback]
// signature so it can be registered with Client.AddHandler.
func (h *LoggingHook) OnEvent(event feature.Event) {
	level := slog.LevelInfo
	switch event.Type {
	case feature.EventStale:
		level = slog.LevelWarn
	case feature.EventError:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("provider", event.ProviderName),
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	if event.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", string(event.ErrorCode)))
	}
	if len(event.ChangedFlags) > 0 {
		attrs = append(attrs, slog.Any("changed_flags", event.ChangedFlags))
	}
	h.logger.LogAttrs(context.Background(), level, "provider event", attrs...)
}
