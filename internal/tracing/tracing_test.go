package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		wantErr      string
		wantProvider bool
	}{
		{name: "blank endpoint is a no-op", cfg: Config{Endpoint: "   "}},
		{
			name:         "endpoint installs sdk provider",
			cfg:          Config{Endpoint: "http://127.0.0.1:4318", ServiceName: "flagwatch-test", SampleRatio: 0.25},
			wantProvider: true,
		},
		{name: "invalid endpoint", cfg: Config{Endpoint: "http://[::1"}, wantErr: "invalid OTLP endpoint"},
		{name: "ratio out of range", cfg: Config{Endpoint: "http://127.0.0.1:4318", SampleRatio: 2}, wantErr: "sample ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreOpenTelemetryGlobals(t)
			sentinel := noop.NewTracerProvider()
			otel.SetTracerProvider(sentinel)

			shutdown, err := Init(context.Background(), tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Init() error = %v, want %q", err, tt.wantErr)
				}
				if shutdown != nil {
					t.Fatal("Init() shutdown should be nil when initialization fails")
				}
				if otel.GetTracerProvider() != sentinel {
					t.Fatal("Init() changed global tracer provider on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init() error = %v", err)
			}

			got := otel.GetTracerProvider()
			if tt.wantProvider {
				if _, ok := got.(*sdktrace.TracerProvider); !ok {
					t.Fatalf("global tracer provider = %T, want *sdktrace.TracerProvider", got)
				}
			} else if got != sentinel {
				t.Fatal("Init() replaced global tracer provider without an endpoint")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				t.Fatalf("shutdown() error = %v", err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	root := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{8: 0xff, 9: 0xff, 10: 0xff, 11: 0xff, 12: 0xff, 13: 0xff, 14: 0xff, 15: 0xff},
		Name:          "ruleset.fetch",
	}
	sampledParent := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	tests := []struct {
		ratio      float64
		wantRoot   sdktrace.SamplingDecision
		wantParent sdktrace.SamplingDecision
	}{
		{ratio: 1, wantRoot: sdktrace.RecordAndSample, wantParent: sdktrace.RecordAndSample},
		{ratio: 0, wantRoot: sdktrace.Drop, wantParent: sdktrace.RecordAndSample},
		{ratio: 0.5, wantRoot: sdktrace.Drop, wantParent: sdktrace.RecordAndSample},
	}
	for _, tt := range tests {
		sampler, err := newSampler(tt.ratio)
		if err != nil {
			t.Fatalf("newSampler(%g) error = %v", tt.ratio, err)
		}
		if got := sampler.ShouldSample(root).Decision; got != tt.wantRoot {
			t.Fatalf("newSampler(%g) root decision = %v, want %v", tt.ratio, got, tt.wantRoot)
		}
		child := root
		child.ParentContext = sampledParent
		if got := sampler.ShouldSample(child).Decision; got != tt.wantParent {
			t.Fatalf("newSampler(%g) sampled-parent decision = %v, want %v", tt.ratio, got, tt.wantParent)
		}
	}

	if _, err := newSampler(-0.1); err == nil {
		t.Fatal("newSampler(-0.1) error = nil, want error")
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName("  "); got != defaultServiceName {
		t.Fatalf("serviceName() = %q, want %q", got, defaultServiceName)
	}
	if got := serviceName(" custom-service "); got != "custom-service" {
		t.Fatalf("serviceName() = %q, want %q", got, "custom-service")
	}
}

func restoreOpenTelemetryGlobals(t *testing.T) {
	t.Helper()
	originalProvider := otel.GetTracerProvider()
	originalPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(originalProvider)
		otel.SetTextMapPropagator(originalPropagator)
	})
}
