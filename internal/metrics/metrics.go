// Package metrics provides Prometheus instrumentation for the flagwatch server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagwatch metrics appear on the /metrics endpoint.
// Evaluation counters live in hooks.MetricsHook, which registers into the
// same registry.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the flagwatch server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	FetchesTotal        *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	SnapshotFlags       prometheus.Gauge
	SnapshotSeq         prometheus.Gauge
	LastPublish         prometheus.Gauge
	RateLimitedTotal    prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec
}

// New creates and registers all flagwatch metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagwatch_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "method", "code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagwatch_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagwatch_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagwatch_ruleset_fetches_total",
			Help: "Total number of ruleset fetch attempts by outcome.",
		}, []string{"outcome"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagwatch_ruleset_fetch_duration_seconds",
			Help:    "Ruleset fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		SnapshotFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagwatch_snapshot_flags",
			Help: "Number of flags in the published snapshot.",
		}),

		SnapshotSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagwatch_snapshot_seq",
			Help: "Sequence number of the published snapshot.",
		}),

		LastPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagwatch_snapshot_published_timestamp_seconds",
			Help: "Unix time at which the current snapshot was fetched.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagwatch_rate_limited_requests_total",
			Help: "Total number of requests rejected by the per-IP rate limiter.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagwatch_auth_failures_total",
			Help: "Total number of rejected bearer tokens.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagwatch_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.FetchesTotal,
		m.FetchDuration,
		m.SnapshotFlags,
		m.SnapshotSeq,
		m.LastPublish,
		m.RateLimitedTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request count and latency for next under the
// given route label.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(
		m.HTTPRequestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.HTTPRequestsTotal.MustCurryWith(labels), next),
	)
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// ObserveFetch records one ruleset fetch attempt.
func (m *Metrics) ObserveFetch(outcome string, elapsed time.Duration) {
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveSnapshot updates the snapshot gauges after a publication.
func (m *Metrics) ObserveSnapshot(flags int, seq uint64, fetchedAt time.Time) {
	m.SnapshotFlags.Set(float64(flags))
	m.SnapshotSeq.Set(float64(seq))
	m.LastPublish.Set(float64(fetchedAt.Unix()) + float64(fetchedAt.Nanosecond())/1e9)
}

// IncRateLimited increments the rate limited request counter.
func (m *Metrics) IncRateLimited() {
	m.RateLimitedTotal.Inc()
}

// IncAuthFailures increments the rejected bearer token counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// RegisterDropCounter exposes a monotonically increasing drop count owned by
// another component, read on every scrape.
func (m *Metrics) RegisterDropCounter(name, help string, dropped func() uint64) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, func() float64 { return float64(dropped()) }))
}
