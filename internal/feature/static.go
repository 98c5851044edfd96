package feature

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/matt-riley/flagwatch/internal/core"
)

const staticEventBuffer = 16

// StaticProvider serves a fixed in-memory ruleset. Update swaps the ruleset
// atomically and emits PROVIDER_CONFIGURATION_CHANGED.
type StaticProvider struct {
	name    string
	ruleset atomic.Pointer[core.Ruleset]
	events  *EventStream
	now     func() time.Time
}

func NewStaticProvider(name string, ruleset core.Ruleset) *StaticProvider {
	p := &StaticProvider{
		name:   name,
		events: NewEventStream(staticEventBuffer),
		now:    time.Now,
	}
	p.ruleset.Store(&ruleset)
	return p
}

func (p *StaticProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{Name: p.name}
}

func (p *StaticProvider) Init(context.Context) error {
	p.events.Emit(Event{Type: EventReady, ProviderName: p.name, Time: p.now()})
	return nil
}

func (p *StaticProvider) Shutdown(context.Context) error {
	p.events.Close()
	return nil
}

func (p *StaticProvider) Events() <-chan Event {
	return p.events.Events()
}

func (p *StaticProvider) State() State {
	return StateReady
}

// Update replaces the served ruleset.
func (p *StaticProvider) Update(ruleset core.Ruleset) {
	previous := p.ruleset.Swap(&ruleset)

	changed := core.ChangedKeys(*previous, ruleset)
	if len(changed) == 0 {
		return
	}

	p.events.Emit(Event{
		Type:         EventConfigurationChanged,
		ProviderName: p.name,
		ChangedFlags: changed,
		Time:         p.now(),
	})
}

func (p *StaticProvider) BooleanEvaluation(_ context.Context, flagKey string, defaultValue bool, evalCtx EvaluationContext) Resolution[bool] {
	return staticEvaluate(p, flagKey, core.TypeBoolean, defaultValue, evalCtx)
}

func (p *StaticProvider) StringEvaluation(_ context.Context, flagKey string, defaultValue string, evalCtx EvaluationContext) Resolution[string] {
	return staticEvaluate(p, flagKey, core.TypeString, defaultValue, evalCtx)
}

func (p *StaticProvider) NumberEvaluation(_ context.Context, flagKey string, defaultValue float64, evalCtx EvaluationContext) Resolution[float64] {
	return staticEvaluate(p, flagKey, core.TypeNumber, defaultValue, evalCtx)
}

func (p *StaticProvider) ObjectEvaluation(_ context.Context, flagKey string, defaultValue any, evalCtx EvaluationContext) Resolution[any] {
	return staticEvaluate(p, flagKey, core.TypeObject, defaultValue, evalCtx)
}

func staticEvaluate[T any](p *StaticProvider, flagKey string, flagType core.Type, defaultValue T, evalCtx EvaluationContext) Resolution[T] {
	flag, ok := p.ruleset.Load().Flags[flagKey]
	if !ok {
		return errorResolution(defaultValue, NewResolutionError(ErrorFlagNotFound, "flag %q not found", flagKey))
	}
	return EvaluateFlag(flag, flagType, defaultValue, evalCtx)
}
