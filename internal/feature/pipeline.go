package feature

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/matt-riley/flagwatch/internal/core"
)

type resolver[T any] func(ctx context.Context, provider Provider, flagKey string, defaultValue T, evalCtx EvaluationContext) Resolution[T]

// evaluation is the input of one pass through the hook pipeline.
type evaluation[T any] struct {
	flagKey      string
	flagType     core.Type
	defaultValue T
	evalCtx      EvaluationContext
	provider     Provider
	hooks        []Hook
	hints        HookHints
	id           string
	logger       *slog.Logger
}

// run drives hooks and the provider through Before, resolve, After, Error and
// Finally. It never panics and never returns without running every Finally
// hook exactly once.
func run[T any](ctx context.Context, e evaluation[T], resolve resolver[T]) EvaluationDetails[T] {
	hc := &HookContext{
		FlagKey:           e.flagKey,
		FlagType:          e.flagType,
		DefaultValue:      e.defaultValue,
		EvaluationContext: e.evalCtx,
		CorrelationID:     e.id,
		Hints:             e.hints,
		Data:              make(map[string]any),
	}
	if e.provider != nil {
		hc.ProviderMetadata = e.provider.Metadata()
	}

	var evalErr error
	for _, hook := range e.hooks {
		if err := callBefore(ctx, hook, hc); err != nil {
			evalErr = NewResolutionError(ErrorGeneral, "before hook %T: %v", hook, err)
			break
		}
	}

	var details EvaluationDetails[T]
	if evalErr == nil {
		details, evalErr = resolveDetails(ctx, e, hc.EvaluationContext, resolve)
	}

	if evalErr == nil {
		untyped := details.Untyped()
		for _, hook := range e.hooks {
			if err := callAfter(ctx, hook, hc, untyped); err != nil {
				evalErr = NewResolutionError(ErrorGeneral, "after hook %T: %v", hook, err)
				break
			}
		}
	}

	if evalErr != nil {
		details = errorDetails(e, AsResolutionError(evalErr))
		for _, hook := range e.hooks {
			if recovered := callError(ctx, hook, hc, evalErr); recovered != nil {
				e.logger.Error("error hook panicked", "flag_key", e.flagKey, "hook", fmt.Sprintf("%T", hook), "panic", recovered)
			}
		}
	}

	final := details.Untyped()
	for _, hook := range e.hooks {
		if recovered := callFinally(ctx, hook, hc, final); recovered != nil {
			e.logger.Error("finally hook panicked", "flag_key", e.flagKey, "hook", fmt.Sprintf("%T", hook), "panic", recovered)
		}
	}

	return details
}

func resolveDetails[T any](ctx context.Context, e evaluation[T], evalCtx EvaluationContext, resolve resolver[T]) (details EvaluationDetails[T], err error) {
	if e.provider == nil {
		return details, NewResolutionError(ErrorProviderNotReady, "no provider configured")
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = NewResolutionError(ErrorGeneral, "provider %q panicked: %v", e.provider.Metadata().Name, recovered)
		}
	}()

	resolution := resolve(ctx, e.provider, e.flagKey, e.defaultValue, evalCtx)
	if resolution.Err != nil {
		return details, resolution.Err
	}

	return EvaluationDetails[T]{
		FlagKey:      e.flagKey,
		FlagType:     e.flagType,
		Value:        resolution.Value,
		Variant:      resolution.Variant,
		Reason:       resolution.Reason,
		FlagMetadata: resolution.FlagMetadata,
	}, nil
}

func errorDetails[T any](e evaluation[T], err *ResolutionError) EvaluationDetails[T] {
	return EvaluationDetails[T]{
		FlagKey:      e.flagKey,
		FlagType:     e.flagType,
		Value:        e.defaultValue,
		Reason:       ReasonError,
		ErrorCode:    err.Code,
		ErrorMessage: err.Message,
	}
}

func callBefore(ctx context.Context, hook Hook, hc *HookContext) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return hook.Before(ctx, hc)
}

func callAfter(ctx context.Context, hook Hook, hc *HookContext, details EvaluationDetails[any]) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return hook.After(ctx, hc, details)
}

func callError(ctx context.Context, hook Hook, hc *HookContext, evalErr error) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	hook.Error(ctx, hc, evalErr)
	return nil
}

func callFinally(ctx context.Context, hook Hook, hc *HookContext, details EvaluationDetails[any]) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	hook.Finally(ctx, hc, details)
	return nil
}
