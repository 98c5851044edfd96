package feature

import (
	"context"

	"github.com/matt-riley/flagwatch/internal/core"
)

// Hook observes or adjusts an evaluation at four fixed stages. Every hook
// implements all four; embed [UnimplementedHook] to only override some.
//
// Before may replace hc.EvaluationContext. A non-nil error from Before skips
// the provider; a non-nil error from After turns the outcome into an error.
// Error and Finally cannot fail the evaluation.
type Hook interface {
	Before(ctx context.Context, hc *HookContext) error
	After(ctx context.Context, hc *HookContext, details EvaluationDetails[any]) error
	Error(ctx context.Context, hc *HookContext, err error)
	Finally(ctx context.Context, hc *HookContext, details EvaluationDetails[any])
}

// UnimplementedHook is a no-op Hook meant for embedding.
type UnimplementedHook struct{}

func (UnimplementedHook) Before(context.Context, *HookContext) error { return nil }

func (UnimplementedHook) After(context.Context, *HookContext, EvaluationDetails[any]) error {
	return nil
}

func (UnimplementedHook) Error(context.Context, *HookContext, error) {}

func (UnimplementedHook) Finally(context.Context, *HookContext, EvaluationDetails[any]) {}

// HookHints are caller-supplied, read-only values for hooks on a single call.
type HookHints map[string]any

// HookContext is the per-evaluation scratch shared by all stages of all hooks.
// It belongs to a single evaluation and must not be retained after Finally.
type HookContext struct {
	FlagKey           string
	FlagType          core.Type
	DefaultValue      any
	EvaluationContext EvaluationContext
	ProviderMetadata  ProviderMetadata
	CorrelationID     string
	Hints             HookHints

	// Data carries values from one hook or stage to another.
	Data map[string]any
}
