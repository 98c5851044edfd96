package hooks

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/flagwatch/internal/feature"
)

// DimensionFunc derives one label value from a finished evaluation.
type DimensionFunc func(details feature.EvaluationDetails[any]) string

// FlagMetadataDimension reads a label value from the flag's metadata, or ""
// when the flag does not carry the key.
func FlagMetadataDimension(key string) DimensionFunc {
	return func(details feature.EvaluationDetails[any]) string {
		v, ok := details.FlagMetadata[key]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
}

var baseEvaluationLabels = []string{"flag_key", "variant", "reason", "error_code", "provider"}

const activeMarker = "hooks.metrics.active"

// labelNamePattern is the classic (pre UTF-8) Prometheus label grammar.
var labelNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateLabelName(name string) error {
	if !labelNamePattern.MatchString(name) || strings.HasPrefix(name, "__") {
		return fmt.Errorf("metrics hook: invalid label name %q", name)
	}
	if slices.Contains(baseEvaluationLabels, name) {
		return fmt.Errorf("metrics hook: dimension %q collides with a built-in label", name)
	}
	return nil
}

// MetricsOptions configures a [MetricsHook].
type MetricsOptions struct {
	// Registerer receives the hook's collectors. Required.
	Registerer prometheus.Registerer

	// StaticDimensions are attached to every evaluation sample.
	StaticDimensions map[string]string

	// Dimensions are computed per evaluation in Finally.
	Dimensions map[string]DimensionFunc
}

// MetricsHook counts evaluations. Every evaluation adds exactly one sample to
// feature_flag_evaluations_total, whatever its outcome.
type MetricsHook struct {
	feature.UnimplementedHook

	evaluations *prometheus.CounterVec
	errors      *prometheus.CounterVec
	active      prometheus.Gauge
	events      *prometheus.CounterVec

	dimensionNames []string
	dimensions     []DimensionFunc
}

// NewMetricsHook validates the configured dimensions and registers the
// hook's collectors.
func NewMetricsHook(opts MetricsOptions) (*MetricsHook, error) {
	if opts.Registerer == nil {
		return nil, errors.New("metrics hook: registerer is required")
	}

	names := slices.Sorted(maps.Keys(opts.Dimensions))
	for _, name := range names {
		if err := validateLabelName(name); err != nil {
			return nil, err
		}
		if _, ok := opts.StaticDimensions[name]; ok {
			return nil, fmt.Errorf("metrics hook: dimension %q is both static and computed", name)
		}
		if opts.Dimensions[name] == nil {
			return nil, fmt.Errorf("metrics hook: dimension %q has no extractor", name)
		}
	}
	for name := range opts.StaticDimensions {
		if err := validateLabelName(name); err != nil {
			return nil, err
		}
	}

	constLabels := prometheus.Labels(maps.Clone(opts.StaticDimensions))
	h := &MetricsHook{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "feature_flag_evaluations_total",
			Help:        "Total number of feature flag evaluations.",
			ConstLabels: constLabels,
		}, append(slices.Clone(baseEvaluationLabels), names...)),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "feature_flag_evaluation_errors_total",
			Help:        "Total number of feature flag evaluations that ended in an error.",
			ConstLabels: constLabels,
		}, []string{"flag_key", "error_code"}),

		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "feature_flag_evaluations_active",
			Help:        "Number of feature flag evaluations in progress.",
			ConstLabels: constLabels,
		}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "feature_flag_provider_events_total",
			Help:        "Total number of provider lifecycle events.",
			ConstLabels: constLabels,
		}, []string{"provider", "event"}),

		dimensionNames: names,
	}
	for _, name := range names {
		h.dimensions = append(h.dimensions, opts.Dimensions[name])
	}

	for _, c := range []prometheus.Collector{h.evaluations, h.errors, h.active, h.events} {
		if err := opts.Registerer.Register(c); err != nil {
			return nil, fmt.Errorf("metrics hook: register: %w", err)
		}
	}
	return h, nil
}

func (h *MetricsHook) Before(_ context.Context, hc *feature.HookContext) error {
	h.active.Inc()
	hc.Data[activeMarker] = true
	return nil
}

func (h *MetricsHook) Error(_ context.Context, hc *feature.HookContext, err error) {
	h.errors.WithLabelValues(hc.FlagKey, string(feature.AsResolutionError(err).Code)).Inc()
}

func (h *MetricsHook) Finally(_ context.Context, hc *feature.HookContext, details feature.EvaluationDetails[any]) {
	// Before may not have run if an earlier hook failed.
	if active, _ := hc.Data[activeMarker].(bool); active {
		h.active.Dec()
	}

	values := make([]string, 0, len(baseEvaluationLabels)+len(h.dimensions))
	values = append(values,
		hc.FlagKey,
		details.Variant,
		string(details.Reason),
		string(details.ErrorCode),
		hc.ProviderMetadata.Name,
	)
	for _, dim := range h.dimensions {
		values = append(values, dim(details))
	}
	h.evaluations.WithLabelValues(values...).Inc()
}

// OnEvent counts a provider lifecycle event. It has the
// [feature.EventCallback] signature.
func (h *MetricsHook) OnEvent(event feature.Event) {
	h.events.WithLabelValues(event.ProviderName, string(event.Type)).Inc()
}

// DimensionNames returns the computed label names in label order.
func (h *MetricsHook) DimensionNames() []string {
	return slices.Clone(h.dimensionNames)
}
