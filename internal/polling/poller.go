package polling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagwatch/internal/core"
	"github.com/matt-riley/flagwatch/internal/feature"
	"github.com/matt-riley/flagwatch/internal/source"
)

const tracerName = "github.com/matt-riley/flagwatch/internal/polling"

// Status is a point-in-time view of the poller for health reporting.
type Status struct {
	State               feature.State `json:"state"`
	Version             string        `json:"version,omitempty"`
	Seq                 uint64        `json:"seq"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
}

// poller is the single writer of a FlagCache. Everything except the atomic
// fields is owned by the goroutine running tick.
type poller struct {
	fetcher source.Fetcher
	cache   *FlagCache
	opts    Options
	events  *feature.EventStream
	refresh chan struct{}
	tracer  trace.Tracer

	state       atomic.Value
	lastSuccess atomic.Pointer[time.Time]

	mu       sync.Mutex
	failures int
	lastErr  error
}

func newPoller(fetcher source.Fetcher, cache *FlagCache, opts Options, events *feature.EventStream) *poller {
	p := &poller{
		fetcher: fetcher,
		cache:   cache,
		opts:    opts,
		events:  events,
		refresh: make(chan struct{}, 1),
		tracer:  opts.TracerProvider.Tracer(tracerName),
	}
	p.state.Store(feature.StateNotReady)
	return p
}

// storedState is the last state the poller recorded and announced.
func (p *poller) storedState() feature.State {
	return p.state.Load().(feature.State)
}

// currentState reports STALE as soon as the threshold passes, whether or not
// the poller goroutine has announced it yet.
func (p *poller) currentState() feature.State {
	state := p.storedState()
	if state == feature.StateReady && p.overdue() {
		return feature.StateStale
	}
	return state
}

func (p *poller) stale() bool {
	return p.currentState() == feature.StateStale
}

// overdue reports whether a snapshot exists and no fetch has succeeded for
// longer than StaleAfter.
func (p *poller) overdue() bool {
	last := p.lastSuccess.Load()
	return last != nil && p.opts.Clock.Since(*last) > p.opts.StaleAfter
}

// untilStale is how long the staleness timer waits before checking again.
func (p *poller) untilStale() time.Duration {
	last := p.lastSuccess.Load()
	if last == nil || p.storedState() != feature.StateReady {
		return p.opts.StaleAfter
	}
	wait := last.Add(p.opts.StaleAfter).Sub(p.opts.Clock.Now()) + time.Nanosecond
	return max(wait, time.Nanosecond)
}

// run polls until ctx is cancelled. The first fetch happens after delay. A
// second timer announces STALE when the threshold passes between fetches.
func (p *poller) run(ctx context.Context, delay time.Duration) {
	if ctx.Err() != nil {
		return
	}

	timer := p.opts.Clock.Timer(delay)
	defer timer.Stop()
	staleTimer := p.opts.Clock.Timer(p.untilStale())
	defer staleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTimer.C:
			p.markStaleIfDue()
			staleTimer.Reset(p.untilStale())
			continue
		case <-timer.C:
		case <-p.refresh:
			stopTimer(timer)
		}

		next := p.tick(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
		stopTimer(staleTimer)
		staleTimer.Reset(p.untilStale())
	}
}

// stopTimer stops t and drains a pending tick so Reset starts clean.
func stopTimer(t *clock.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// nudge asks the poller to fetch now instead of waiting for the next tick.
func (p *poller) nudge() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// tick performs one fetch and returns the delay before the next one.
func (p *poller) tick(ctx context.Context) time.Duration {
	var lastVersion string
	snapshot := p.cache.Load()
	if snapshot != nil {
		lastVersion = snapshot.Ruleset.Version
	}

	start := p.opts.Clock.Now()
	result, err := p.fetch(ctx, lastVersion)
	elapsed := p.opts.Clock.Since(start)

	if err == nil && result.NotModified && snapshot == nil {
		err = fmt.Errorf("%w: not modified without a cached ruleset", source.ErrParse)
	}

	if err != nil {
		if ctx.Err() != nil {
			return p.opts.PollInterval
		}
		return p.recordFailure(err, elapsed)
	}

	p.recordSuccess(result, elapsed)
	return p.opts.PollInterval
}

// fetch calls the fetcher under RequestTimeout inside a "ruleset.fetch" span.
func (p *poller) fetch(ctx context.Context, lastVersion string) (source.Result, error) {
	ctx, span := p.tracer.Start(ctx, "ruleset.fetch", trace.WithAttributes(
		attribute.String("flagwatch.provider", p.opts.Name),
		attribute.String("flagwatch.last_version", lastVersion),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	result, err := p.fetcher.Fetch(ctx, lastVersion)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(classifyFetchError(err)))
		return result, err
	}

	span.SetAttributes(attribute.Bool("flagwatch.not_modified", result.NotModified))
	if !result.NotModified {
		span.SetAttributes(
			attribute.String("flagwatch.version", result.Ruleset.Version),
			attribute.Int("flagwatch.flags", len(result.Ruleset.Flags)),
		)
	}
	return result, nil
}

func (p *poller) recordSuccess(result source.Result, elapsed time.Duration) {
	now := p.opts.Clock.Now()
	previousState := p.storedState()

	p.mu.Lock()
	p.failures = 0
	p.lastErr = nil
	p.mu.Unlock()

	if result.NotModified {
		p.lastSuccess.Store(&now)
		p.observe(OutcomeNotModified, elapsed)
		p.markReady(previousState)
		return
	}

	next, previous := p.cache.Publish(result.Ruleset, now)
	p.lastSuccess.Store(&now)
	p.observe(OutcomeUpdated, elapsed)
	if p.opts.OnPublish != nil {
		p.opts.OnPublish(next)
	}
	p.markReady(previousState)

	if previous == nil {
		return
	}
	if changed := core.ChangedKeys(previous.Ruleset, next.Ruleset); len(changed) > 0 {
		p.opts.Logger.Info("flag configuration changed", "version", next.Ruleset.Version, "changed_flags", changed)
		p.emit(feature.Event{Type: feature.EventConfigurationChanged, ChangedFlags: changed})
	}
}

func (p *poller) markReady(previousState feature.State) {
	if previousState == feature.StateReady {
		return
	}
	p.state.Store(feature.StateReady)
	p.opts.Logger.Info("flag provider ready", "previous_state", previousState)
	p.emit(feature.Event{Type: feature.EventReady})
}

func (p *poller) recordFailure(err error, elapsed time.Duration) time.Duration {
	code := classifyFetchError(err)
	outcome := OutcomeNetworkError
	if code == feature.ErrorParse {
		outcome = OutcomeParseError
	}
	p.observe(outcome, elapsed)

	p.mu.Lock()
	p.failures++
	failures := p.failures
	p.lastErr = err
	p.mu.Unlock()

	delay := p.backoff(failures)
	p.opts.Logger.Warn("fetch ruleset failed", "error", err, "error_code", code, "consecutive_failures", failures, "retry_in", delay)

	if p.cache.Load() == nil {
		if p.storedState() != feature.StateError {
			p.state.Store(feature.StateError)
			p.emit(feature.Event{Type: feature.EventError, ErrorCode: code, Message: err.Error()})
		}
		return delay
	}

	p.markStaleIfDue()
	return delay
}

// markStaleIfDue moves a READY provider to STALE once it is overdue. The
// STALE event is emitted once per episode; the next success emits READY.
func (p *poller) markStaleIfDue() {
	if p.storedState() != feature.StateReady || !p.overdue() {
		return
	}
	p.state.Store(feature.StateStale)

	event := feature.Event{Type: feature.EventStale, Message: "no successful fetch within the stale threshold"}
	p.mu.Lock()
	if p.lastErr != nil {
		event.ErrorCode = classifyFetchError(p.lastErr)
		event.Message = p.lastErr.Error()
	}
	p.mu.Unlock()

	p.opts.Logger.Warn("flag provider stale", "last_success", *p.lastSuccess.Load(), "stale_after", p.opts.StaleAfter)
	p.emit(event)
}

// backoff returns min(PollInterval * multiplier^failures, MaxBackoff).
func (p *poller) backoff(failures int) time.Duration {
	delay := float64(p.opts.PollInterval) * math.Pow(p.opts.BackoffMultiplier, float64(failures))
	if math.IsInf(delay, 0) || delay >= float64(p.opts.MaxBackoff) {
		return p.opts.MaxBackoff
	}
	return time.Duration(delay)
}

func (p *poller) observe(outcome Outcome, elapsed time.Duration) {
	if p.opts.OnFetch != nil {
		p.opts.OnFetch(outcome, elapsed)
	}
}

func (p *poller) emit(event feature.Event) {
	event.ProviderName = p.opts.Name
	event.Time = p.opts.Clock.Now()
	if !p.events.Emit(event) {
		p.opts.Logger.Warn("dropped provider event", "event_type", event.Type)
	}
}

func (p *poller) status() Status {
	p.mu.Lock()
	status := Status{
		State:               p.currentState(),
		ConsecutiveFailures: p.failures,
	}
	if last := p.lastSuccess.Load(); last != nil {
		status.LastSuccess = *last
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	p.mu.Unlock()

	if snapshot := p.cache.Load(); snapshot != nil {
		status.Version = snapshot.Ruleset.Version
		status.Seq = snapshot.Seq
	}
	return status
}

func classifyFetchError(err error) feature.ErrorCode {
	if errors.Is(err, source.ErrParse) {
		return feature.ErrorParse
	}
	return feature.ErrorNetwork
}
