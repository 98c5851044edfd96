// Package polling implements a flag provider that serves evaluations from a
// locally cached ruleset while a background poller keeps it fresh.
//
// Evaluations only ever read the cache; network I/O happens exclusively on the
// poller goroutine. A failing backend degrades the provider to STALE rather
// than failing evaluations.
package polling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"

	"github.com/matt-riley/flagwatch/internal/core"
	"github.com/matt-riley/flagwatch/internal/feature"
	"github.com/matt-riley/flagwatch/internal/source"
)

var ErrAlreadyStarted = errors.New("polling provider already started")

type Provider struct {
	fetcher source.Fetcher
	opts    Options
	cache   FlagCache
	events  *feature.EventStream
	poller  *poller

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var (
	_ feature.Provider      = (*Provider)(nil)
	_ feature.EventEmitter  = (*Provider)(nil)
	_ feature.StateReporter = (*Provider)(nil)
)

func New(fetcher source.Fetcher, opts Options) (*Provider, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid polling options: %w", err)
	}

	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("provider", opts.Name)

	p := &Provider{
		fetcher: fetcher,
		opts:    opts,
		events:  feature.NewEventStream(opts.EventBuffer),
		done:    make(chan struct{}),
	}
	p.poller = newPoller(fetcher, &p.cache, opts, p.events)
	return p, nil
}

func (p *Provider) Metadata() feature.ProviderMetadata {
	return feature.ProviderMetadata{Name: p.opts.Name}
}

// Init performs the first fetch, bounded by ctx and RequestTimeout, and
// starts the background poller. A failed first fetch is not an error: the
// provider reports NOT_READY resolutions until a later fetch succeeds. A
// concurrent Shutdown cancels the first fetch.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return errors.New("polling provider is shut down")
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	firstCtx, cancelFirst := context.WithCancel(ctx)
	stopLink := context.AfterFunc(runCtx, cancelFirst)
	delay := p.poller.tick(firstCtx)
	stopLink()
	cancelFirst()

	go func() {
		defer close(p.done)
		p.poller.run(runCtx, delay)
	}()

	return nil
}

// Shutdown stops the poller, cancelling any in-flight fetch, and waits for it
// to exit. Evaluations already running complete against the last snapshot.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	var err error
	if p.started {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("wait for poller: %w", ctx.Err()))
		}
	}

	if closer, ok := p.fetcher.(io.Closer); ok {
		if closeErr := closer.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close fetcher: %w", closeErr))
		}
	}

	p.events.Close()
	return err
}

func (p *Provider) Events() <-chan feature.Event {
	return p.events.Events()
}

func (p *Provider) State() feature.State {
	return p.poller.currentState()
}

func (p *Provider) Status() Status {
	return p.poller.status()
}

// Snapshot returns the current snapshot, or nil before the first successful
// fetch.
func (p *Provider) Snapshot() *Snapshot {
	return p.cache.Load()
}

// Refresh asks the poller to fetch immediately. It never blocks.
func (p *Provider) Refresh() {
	p.poller.nudge()
}

func (p *Provider) BooleanEvaluation(_ context.Context, flagKey string, defaultValue bool, evalCtx feature.EvaluationContext) feature.Resolution[bool] {
	return resolve(p, flagKey, core.TypeBoolean, defaultValue, evalCtx)
}

func (p *Provider) StringEvaluation(_ context.Context, flagKey string, defaultValue string, evalCtx feature.EvaluationContext) feature.Resolution[string] {
	return resolve(p, flagKey, core.TypeString, defaultValue, evalCtx)
}

func (p *Provider) NumberEvaluation(_ context.Context, flagKey string, defaultValue float64, evalCtx feature.EvaluationContext) feature.Resolution[float64] {
	return resolve(p, flagKey, core.TypeNumber, defaultValue, evalCtx)
}

func (p *Provider) ObjectEvaluation(_ context.Context, flagKey string, defaultValue any, evalCtx feature.EvaluationContext) feature.Resolution[any] {
	return resolve(p, flagKey, core.TypeObject, defaultValue, evalCtx)
}

// resolve reads one snapshot and evaluates against it. Unknown flags are not
// an error here: the backend owns the flag set and a missing key simply means
// the caller's default applies.
func resolve[T any](p *Provider, flagKey string, flagType core.Type, defaultValue T, evalCtx feature.EvaluationContext) feature.Resolution[T] {
	snapshot := p.cache.Load()
	if snapshot == nil {
		return feature.NotReadyResolution(defaultValue, p.opts.Name)
	}

	flag, ok := snapshot.Ruleset.Flags[flagKey]
	if !ok {
		return feature.Resolution[T]{Value: defaultValue, Reason: feature.ReasonDefault}
	}

	resolution := feature.EvaluateFlag(flag, flagType, defaultValue, evalCtx)
	if resolution.Err == nil && p.poller.stale() {
		switch resolution.Reason {
		case feature.ReasonStatic, feature.ReasonTargetingMatch:
			resolution.Reason = feature.ReasonStale
		}
	}
	return resolution
}
