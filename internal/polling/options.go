package polling

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultName              = "polling"
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultRequestTimeout    = 2 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultStaleAfter        = 10 * time.Second
	DefaultEventBuffer       = 16
)

// Outcome classifies a single fetch attempt for OnFetch observers.
type Outcome string

const (
	OutcomeUpdated      Outcome = "updated"
	OutcomeNotModified  Outcome = "not_modified"
	OutcomeParseError   Outcome = "parse_error"
	OutcomeNetworkError Outcome = "network_error"
)

// Options configures a polling Provider. Zero fields take the Default*
// values; negative durations are rejected by Validate.
type Options struct {
	Name              string
	PollInterval      time.Duration
	RequestTimeout    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// StaleAfter is how long the provider may go without a successful fetch
	// before evaluations report STALE.
	StaleAfter  time.Duration
	EventBuffer int

	Logger *slog.Logger
	Clock  clock.Clock
	// TracerProvider records a span per fetch. Defaults to the global one.
	TracerProvider trace.TracerProvider

	// OnFetch is called from the poller goroutine after every attempt.
	OnFetch func(outcome Outcome, elapsed time.Duration)
	// OnPublish is called from the poller goroutine after a new snapshot is
	// installed.
	OnPublish func(snapshot *Snapshot)
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.BackoffMultiplier == 0 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	return o
}

func (o Options) Validate() error {
	var errs []error

	if o.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", o.PollInterval))
	}
	if o.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", o.RequestTimeout))
	}
	if o.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("max backoff must be positive, got %s", o.MaxBackoff))
	}
	if o.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("stale threshold must be positive, got %s", o.StaleAfter))
	}
	if o.BackoffMultiplier != 0 && o.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff multiplier must be at least 1, got %g", o.BackoffMultiplier))
	}
	if o.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("event buffer must not be negative, got %d", o.EventBuffer))
	}

	resolved := o.withDefaults()
	if resolved.MaxBackoff < resolved.PollInterval {
		errs = append(errs, fmt.Errorf("max backoff %s is shorter than poll interval %s", resolved.MaxBackoff, resolved.PollInterval))
	}

	return errors.Join(errs...)
}
