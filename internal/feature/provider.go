package feature

import (
	"context"
	"errors"

	"github.com/matt-riley/flagwatch/internal/core"
)

type ProviderMetadata struct {
	Name string `json:"name"`
}

type State string

const (
	StateNotReady State = "NOT_READY"
	StateReady    State = "READY"
	StateStale    State = "STALE"
	StateError    State = "ERROR"
)

// Provider resolves typed flag values. Resolution must be served from local
// state: implementations never perform network I/O inside the Evaluation
// methods.
type Provider interface {
	Metadata() ProviderMetadata
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error

	BooleanEvaluation(ctx context.Context, flagKey string, defaultValue bool, evalCtx EvaluationContext) Resolution[bool]
	StringEvaluation(ctx context.Context, flagKey string, defaultValue string, evalCtx EvaluationContext) Resolution[string]
	NumberEvaluation(ctx context.Context, flagKey string, defaultValue float64, evalCtx EvaluationContext) Resolution[float64]
	ObjectEvaluation(ctx context.Context, flagKey string, defaultValue any, evalCtx EvaluationContext) Resolution[any]
}

// EventEmitter is implemented by providers that publish lifecycle events. The
// channel is closed on Shutdown.
type EventEmitter interface {
	Events() <-chan Event
}

// StateReporter is implemented by providers that track readiness.
type StateReporter interface {
	State() State
}

// EvaluateFlag resolves a single flag definition into a typed resolution.
// requested is the type the caller asked for; a flag of another type yields
// TYPE_MISMATCH. Disabled flags resolve to defaultValue.
func EvaluateFlag[T any](flag core.Flag, requested core.Type, defaultValue T, evalCtx EvaluationContext) Resolution[T] {
	if flag.Type != requested {
		return errorResolution(defaultValue, NewResolutionError(ErrorTypeMismatch,
			"flag %q is of type %s, requested %s", flag.Key, flag.Type, requested))
	}

	result, err := core.Evaluate(flag, evalCtx.subject())
	if err != nil {
		if errors.Is(err, core.ErrTargetingKeyMissing) {
			return errorResolution(defaultValue, NewResolutionError(ErrorTargetingKeyMissing, "%v", err))
		}
		return errorResolution(defaultValue, NewResolutionError(ErrorGeneral, "%v", err))
	}

	if result.Reason == core.MatchDisabled {
		return Resolution[T]{Value: defaultValue, Reason: ReasonDisabled, FlagMetadata: flag.Metadata}
	}

	value, ok := convertValue[T](result.Value)
	if !ok {
		return errorResolution(defaultValue, NewResolutionError(ErrorTypeMismatch,
			"flag %q variant %q holds %T", flag.Key, result.Variant, result.Value))
	}

	reason := ReasonStatic
	if result.Reason == core.MatchTargeting {
		reason = ReasonTargetingMatch
	}

	return Resolution[T]{
		Value:        value,
		Variant:      result.Variant,
		Reason:       reason,
		FlagMetadata: flag.Metadata,
	}
}

// NotReadyResolution is served by providers that have no data yet.
func NotReadyResolution[T any](defaultValue T, providerName string) Resolution[T] {
	return errorResolution(defaultValue, NewResolutionError(ErrorProviderNotReady,
		"provider %q has not loaded any flags", providerName))
}

func errorResolution[T any](defaultValue T, err *ResolutionError) Resolution[T] {
	return Resolution[T]{Value: defaultValue, Reason: ReasonError, Err: err}
}

func convertValue[T any](value any) (T, bool) {
	var zero T
	if _, wantsNumber := any(zero).(float64); wantsNumber {
		number, ok := core.AsFloat64(value)
		if !ok {
			return zero, false
		}
		return any(number).(T), true
	}

	typed, ok := value.(T)
	return typed, ok
}
