package server

import (
	"context"

	"github.com/matt-riley/flagwatch/internal/core"
	"github.com/matt-riley/flagwatch/internal/feature"
	"github.com/matt-riley/flagwatch/internal/polling"
)

// Evaluator is the part of feature.Client the HTTP surface needs.
type Evaluator interface {
	ResolveBoolean(ctx context.Context, flagKey string, defaultValue bool, evalCtx feature.EvaluationContext, opts ...feature.CallOption) feature.EvaluationDetails[bool]
	Resolve(ctx context.Context, flagType core.Type, flagKey string, defaultValue any, evalCtx feature.EvaluationContext, opts ...feature.CallOption) feature.EvaluationDetails[any]
	AddHandler(eventType feature.EventType, callback feature.EventCallback)
}

// StatusReporter reports poller health for /healthz.
type StatusReporter interface {
	Status() polling.Status
}

// SnapshotSource exposes the currently published ruleset for the gRPC relay.
type SnapshotSource interface {
	Snapshot() *polling.Snapshot
}

var (
	_ Evaluator      = (*feature.Client)(nil)
	_ StatusReporter = (*polling.Provider)(nil)
	_ SnapshotSource = (*polling.Provider)(nil)
)
