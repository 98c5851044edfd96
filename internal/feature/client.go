package feature

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/matt-riley/flagwatch/internal/core"
)

type ClientOptions struct {
	// Name identifies the client in logs.
	Name string
	// Hooks run for every evaluation, before any per-call hooks.
	Hooks []Hook
	// Logger receives failures from Error and Finally hooks. Defaults to
	// slog.Default().
	Logger *slog.Logger
	// IDGenerator produces the correlation id of each evaluation. Defaults to
	// uuid.NewString.
	IDGenerator func() string
}

type CallOption func(*callOptions)

type callOptions struct {
	hooks []Hook
	hints HookHints
}

// WithHooks appends hooks for a single evaluation. They run after the
// client's hooks in every stage.
func WithHooks(hooks ...Hook) CallOption {
	return func(o *callOptions) {
		o.hooks = append(o.hooks, hooks...)
	}
}

func WithHookHints(hints HookHints) CallOption {
	return func(o *callOptions) {
		o.hints = hints
	}
}

type activeProvider struct {
	provider Provider
}

// Client evaluates flags against one swappable provider. Evaluation methods
// never return errors: failures are reported through EvaluationDetails.
type Client struct {
	name     string
	hooks    []Hook
	logger   *slog.Logger
	newID    func() string
	active   atomic.Pointer[activeProvider]
	handlers eventHandlers

	mu        sync.Mutex
	forwarder sync.WaitGroup
}

func NewClient(opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}

	return &Client{
		name:   opts.Name,
		hooks:  slices.Clone(opts.Hooks),
		logger: logger.With("client", opts.Name),
		newID:  newID,
	}
}

// SetProvider initializes provider and makes it the active one. The previous
// provider, if any, is shut down after the swap so in-flight evaluations keep
// the provider they started with.
func (c *Client) SetProvider(ctx context.Context, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("set provider: provider is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := provider.Init(ctx); err != nil {
		return fmt.Errorf("init provider %q: %w", provider.Metadata().Name, err)
	}

	previous := c.active.Swap(&activeProvider{provider: provider})
	c.forwardEvents(provider)

	if previous != nil {
		if err := previous.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown provider %q: %w", previous.provider.Metadata().Name, err)
		}
	}

	return nil
}

// Shutdown stops the active provider and waits for its event stream to drain.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if previous := c.active.Swap(nil); previous != nil {
		if shutdownErr := previous.provider.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown provider %q: %w", previous.provider.Metadata().Name, shutdownErr))
		}
	}

	done := make(chan struct{})
	go func() {
		c.forwarder.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("wait for provider events: %w", ctx.Err()))
	}

	return err
}

// AddHandler subscribes callback to provider events of the given type.
// Callbacks run on the client's event goroutine and should return quickly.
func (c *Client) AddHandler(eventType EventType, callback EventCallback) {
	c.handlers.add(eventType, callback)
}

func (c *Client) ProviderMetadata() ProviderMetadata {
	if active := c.active.Load(); active != nil {
		return active.provider.Metadata()
	}
	return ProviderMetadata{}
}

func (c *Client) ProviderState() State {
	active := c.active.Load()
	if active == nil {
		return StateNotReady
	}
	if reporter, ok := active.provider.(StateReporter); ok {
		return reporter.State()
	}
	return StateReady
}

func (c *Client) ResolveBoolean(ctx context.Context, flagKey string, defaultValue bool, evalCtx EvaluationContext, opts ...CallOption) EvaluationDetails[bool] {
	return resolveWith(ctx, c, core.TypeBoolean, flagKey, defaultValue, evalCtx, opts, func(ctx context.Context, p Provider, key string, def bool, ec EvaluationContext) Resolution[bool] {
		return p.BooleanEvaluation(ctx, key, def, ec)
	})
}

func (c *Client) ResolveString(ctx context.Context, flagKey string, defaultValue string, evalCtx EvaluationContext, opts ...CallOption) EvaluationDetails[string] {
	return resolveWith(ctx, c, core.TypeString, flagKey, defaultValue, evalCtx, opts, func(ctx context.Context, p Provider, key string, def string, ec EvaluationContext) Resolution[string] {
		return p.StringEvaluation(ctx, key, def, ec)
	})
}

func (c *Client) ResolveNumber(ctx context.Context, flagKey string, defaultValue float64, evalCtx EvaluationContext, opts ...CallOption) EvaluationDetails[float64] {
	return resolveWith(ctx, c, core.TypeNumber, flagKey, defaultValue, evalCtx, opts, func(ctx context.Context, p Provider, key string, def float64, ec EvaluationContext) Resolution[float64] {
		return p.NumberEvaluation(ctx, key, def, ec)
	})
}

func (c *Client) ResolveObject(ctx context.Context, flagKey string, defaultValue any, evalCtx EvaluationContext, opts ...CallOption) EvaluationDetails[any] {
	return resolveWith(ctx, c, core.TypeObject, flagKey, defaultValue, evalCtx, opts, func(ctx context.Context, p Provider, key string, def any, ec EvaluationContext) Resolution[any] {
		return p.ObjectEvaluation(ctx, key, def, ec)
	})
}

func (c *Client) BooleanValue(ctx context.Context, flagKey string, defaultValue bool, evalCtx EvaluationContext, opts ...CallOption) bool {
	return c.ResolveBoolean(ctx, flagKey, defaultValue, evalCtx, opts...).Value
}

func (c *Client) StringValue(ctx context.Context, flagKey string, defaultValue string, evalCtx EvaluationContext, opts ...CallOption) string {
	return c.ResolveString(ctx, flagKey, defaultValue, evalCtx, opts...).Value
}

func (c *Client) NumberValue(ctx context.Context, flagKey string, defaultValue float64, evalCtx EvaluationContext, opts ...CallOption) float64 {
	return c.ResolveNumber(ctx, flagKey, defaultValue, evalCtx, opts...).Value
}

func (c *Client) ObjectValue(ctx context.Context, flagKey string, defaultValue any, evalCtx EvaluationContext, opts ...CallOption) any {
	return c.ResolveObject(ctx, flagKey, defaultValue, evalCtx, opts...).Value
}

// Resolve evaluates flagKey as whatever type the flag declares. It backs
// callers that only learn the flag type at runtime, such as the HTTP API.
func (c *Client) Resolve(ctx context.Context, flagType core.Type, flagKey string, defaultValue any, evalCtx EvaluationContext, opts ...CallOption) EvaluationDetails[any] {
	switch flagType {
	case core.TypeBoolean:
		def, _ := defaultValue.(bool)
		return c.ResolveBoolean(ctx, flagKey, def, evalCtx, opts...).Untyped()
	case core.TypeString:
		def, _ := defaultValue.(string)
		return c.ResolveString(ctx, flagKey, def, evalCtx, opts...).Untyped()
	case core.TypeNumber:
		def, _ := core.AsFloat64(defaultValue)
		return c.ResolveNumber(ctx, flagKey, def, evalCtx, opts...).Untyped()
	default:
		return c.ResolveObject(ctx, flagKey, defaultValue, evalCtx, opts...)
	}
}

func resolveWith[T any](ctx context.Context, c *Client, flagType core.Type, flagKey string, defaultValue T, evalCtx EvaluationContext, opts []CallOption, resolve resolver[T]) EvaluationDetails[T] {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	hooks := c.hooks
	if len(call.hooks) > 0 {
		hooks = append(slices.Clip(c.hooks), call.hooks...)
	}

	var provider Provider
	if active := c.active.Load(); active != nil {
		provider = active.provider
	}

	return run(ctx, evaluation[T]{
		flagKey:      flagKey,
		flagType:     flagType,
		defaultValue: defaultValue,
		evalCtx:      evalCtx,
		provider:     provider,
		hooks:        hooks,
		hints:        call.hints,
		id:           c.newID(),
		logger:       c.logger,
	}, resolve)
}

func (c *Client) forwardEvents(provider Provider) {
	emitter, ok := provider.(EventEmitter)
	if !ok {
		return
	}

	events := emitter.Events()
	c.forwarder.Add(1)
	go func() {
		defer c.forwarder.Done()
		for event := range events {
			c.handlers.dispatch(event, func(recovered any) {
				c.logger.Error("event handler panicked", "event_type", event.Type, "panic", recovered)
			})
		}
	}()
}
