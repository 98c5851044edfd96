package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matt-riley/flagwatch/internal/core"
	"github.com/matt-riley/flagwatch/internal/feature"
	"github.com/matt-riley/flagwatch/internal/metrics"
	"github.com/matt-riley/flagwatch/internal/middleware"
	"github.com/matt-riley/flagwatch/internal/polling"
)

func welcomeFlag(variant string) core.Flag {
	return core.Flag{
		Key:            WelcomeFlagKey,
		Type:           core.TypeBoolean,
		DefaultVariant: variant,
		Variants:       map[string]any{"on": true, "off": false},
	}
}

func newTestClient(t *testing.T, flags ...core.Flag) *feature.Client {
	t.Helper()

	ruleset, err := core.NewRuleset("v1", flags)
	if err != nil {
		t.Fatalf("NewRuleset() error = %v", err)
	}
	client := feature.NewClient(feature.ClientOptions{Name: "server-test"})
	if err := client.SetProvider(context.Background(), feature.NewStaticProvider("static", ruleset)); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })
	return client
}

// fakeEvaluator records event handlers so tests can publish events directly.
type fakeEvaluator struct {
	mu       sync.Mutex
	handlers map[feature.EventType][]feature.EventCallback
}

func (f *fakeEvaluator) ResolveBoolean(_ context.Context, flagKey string, defaultValue bool, _ feature.EvaluationContext, _ ...feature.CallOption) feature.EvaluationDetails[bool] {
	return feature.EvaluationDetails[bool]{FlagKey: flagKey, FlagType: core.TypeBoolean, Value: defaultValue, Reason: feature.ReasonDefault}
}

func (f *fakeEvaluator) Resolve(_ context.Context, flagType core.Type, flagKey string, defaultValue any, _ feature.EvaluationContext, _ ...feature.CallOption) feature.EvaluationDetails[any] {
	return feature.EvaluationDetails[any]{FlagKey: flagKey, FlagType: flagType, Value: defaultValue, Reason: feature.ReasonDefault}
}

func (f *fakeEvaluator) AddHandler(eventType feature.EventType, callback feature.EventCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[feature.EventType][]feature.EventCallback)
	}
	f.handlers[eventType] = append(f.handlers[eventType], callback)
}

func (f *fakeEvaluator) emit(event feature.Event) {
	f.mu.Lock()
	callbacks := f.handlers[event.Type]
	f.mu.Unlock()
	for _, callback := range callbacks {
		callback(event)
	}
}

type fakeStatus struct {
	status polling.Status
}

func (f fakeStatus) Status() polling.Status {
	return f.status
}

func decodeResults(t *testing.T, rec *httptest.ResponseRecorder) []feature.EvaluationDetails[any] {
	t.Helper()

	var resp evaluateJSONResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return resp.Results
}

func TestHTTPHandlerWelcome(t *testing.T) {
	tests := []struct {
		name  string
		flags []core.Flag
		want  string
	}{
		{name: "enabled", flags: []core.Flag{welcomeFlag("on")}, want: "Hello world! The welcome-message feature flag was enabled!"},
		{name: "off variant", flags: []core.Flag{welcomeFlag("off")}, want: "Hello world!"},
		{name: "missing flag", want: "Hello world!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPHandler(HTTPOptions{Client: newTestClient(t, tt.flags...)})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/welcome", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
				t.Fatalf("Content-Type = %q, want text/plain", got)
			}
			if got := rec.Body.String(); got != tt.want {
				t.Fatalf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPHandlerEvaluateSingle(t *testing.T) {
	handler := NewHTTPHandler(HTTPOptions{Client: newTestClient(t, welcomeFlag("on"))})
	body := `{"key":"welcome-message","context":{"targeting_key":"user-1"}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	results := decodeResults(t, rec)
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	got := results[0]
	if got.Value != true || got.Variant != "on" || got.Reason != feature.ReasonStatic || got.FlagType != core.TypeBoolean {
		t.Fatalf("result = %+v, want true/on/STATIC/boolean", got)
	}
}

func TestHTTPHandlerEvaluateBatch(t *testing.T) {
	banner := core.Flag{
		Key:            "banner",
		Type:           core.TypeString,
		DefaultVariant: "plain",
		Variants:       map[string]any{"plain": "hello", "staff": "hello, colleague"},
		Rules: []core.Rule{{
			Name:       "staff",
			Conditions: []core.Condition{{Attribute: "email", Operator: core.OperatorEndsWith, Value: "@example.com"}},
			Variant:    "staff",
		}},
	}
	limit := core.Flag{Key: "limit", Type: core.TypeNumber, DefaultVariant: "low", Variants: map[string]any{"low": 10}}

	handler := NewHTTPHandler(HTTPOptions{Client: newTestClient(t, banner, limit)})
	body := `{"requests":[
		{"key":"banner","type":"string","default_value":"","context":{"targeting_key":"u1","attributes":{"email":"a@example.com"}}},
		{"key":"limit","type":"number","default_value":1},
		{"key":"missing","type":"string","default_value":"fallback"}
	]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	results := decodeResults(t, rec)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}

	if got := results[0]; got.Value != "hello, colleague" || got.Reason != feature.ReasonTargetingMatch {
		t.Fatalf("banner = %+v, want targeting match", got)
	}
	if got := results[1]; got.Value != float64(10) || got.Reason != feature.ReasonStatic {
		t.Fatalf("limit = %+v, want 10 STATIC", got)
	}
	if got := results[2]; got.Value != "fallback" || got.ErrorCode != feature.ErrorFlagNotFound || got.Reason != feature.ReasonError {
		t.Fatalf("missing = %+v, want default with FLAG_NOT_FOUND", got)
	}
}

func TestHTTPHandlerEvaluateRejectsInvalidRequests(t *testing.T) {
	tooMany := make([]string, maxEvaluateBatchSize+1)
	for idx := range tooMany {
		tooMany[idx] = `{"key":"a"}`
	}

	tests := []struct {
		name    string
		body    string
		maxBody int64
		want    int
	}{
		{name: "empty object", body: `{}`, want: http.StatusBadRequest},
		{name: "unknown type", body: `{"key":"a","type":"date"}`, want: http.StatusBadRequest},
		{name: "default mismatch", body: `{"key":"a","type":"number","default_value":"ten"}`, want: http.StatusBadRequest},
		{name: "key and requests", body: `{"key":"a","requests":[{"key":"b"}]}`, want: http.StatusBadRequest},
		{name: "blank batch key", body: `{"requests":[{"key":" "}]}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"key":"a","flag":"b"}`, want: http.StatusBadRequest},
		{name: "trailing object", body: `{"key":"a"}{"key":"b"}`, want: http.StatusBadRequest},
		{name: "batch too large", body: `{"requests":[` + strings.Join(tooMany, ",") + `]}`, want: http.StatusBadRequest},
		{name: "oversized body", body: `{"key":"` + strings.Repeat("a", 128) + `"}`, maxBody: 64, want: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPHandler(HTTPOptions{Client: &fakeEvaluator{}, MaxJSONBodySize: tt.maxBody})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(tt.body)))

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.want, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("body = %q, want JSON error", rec.Body.String())
			}
		})
	}
}

func TestHTTPHandlerEvaluateRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	handler := NewHTTPHandler(HTTPOptions{
		Client:      &fakeEvaluator{},
		Metrics:     m,
		RateLimiter: middleware.NewRateLimiter(ctx, 1),
	})

	codes := make([]int, 0, 2)
	for range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(`{"key":"a"}`)))
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want [200 429]", codes)
	}
	if got := testutil.ToFloat64(m.RateLimitedTotal); got != 1 {
		t.Fatalf("rate limited total = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/welcome", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/welcome status = %d, want %d; only /v1/evaluate is limited", rec.Code, http.StatusOK)
	}
}

func TestHTTPHandlerHealthz(t *testing.T) {
	tests := []struct {
		name       string
		status     StatusReporter
		wantCode   int
		wantStatus string
	}{
		{name: "no reporter", wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "ready", status: fakeStatus{polling.Status{State: feature.StateReady, Version: "v1", Seq: 3}}, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "stale", status: fakeStatus{polling.Status{State: feature.StateStale, ConsecutiveFailures: 4}}, wantCode: http.StatusOK, wantStatus: "stale"},
		{name: "not ready", status: fakeStatus{polling.Status{State: feature.StateNotReady}}, wantCode: http.StatusServiceUnavailable, wantStatus: "unavailable"},
		{name: "error", status: fakeStatus{polling.Status{State: feature.StateError, LastError: "dial tcp: refused"}}, wantCode: http.StatusServiceUnavailable, wantStatus: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPHandler(HTTPOptions{Client: &fakeEvaluator{}, Status: tt.status})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var got struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Fatalf("status field = %q, want %q", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestHTTPHandlerEventsReplaysFromLastEventID(t *testing.T) {
	evaluator := &fakeEvaluator{}
	handler := NewHTTPHandler(HTTPOptions{Client: evaluator, HeartbeatInterval: time.Hour})

	evaluator.emit(feature.Event{Type: feature.EventReady, ProviderName: "polling"})
	evaluator.emit(feature.Event{Type: feature.EventConfigurationChanged, ProviderName: "polling", ChangedFlags: []string{"new-ui"}})
	evaluator.emit(feature.Event{Type: feature.EventStale, ProviderName: "polling", Message: "no update for 10s"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want %q", got, "text/event-stream")
	}

	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("stream body replayed event 1: %q", body)
	}
	if !strings.Contains(body, "id: 2\nevent: PROVIDER_CONFIGURATION_CHANGED\n") {
		t.Fatalf("stream body missing configuration change: %q", body)
	}
	if !strings.Contains(body, `"changed_flags":["new-ui"]`) {
		t.Fatalf("stream body missing changed flags: %q", body)
	}
	if !strings.Contains(body, "id: 3\nevent: PROVIDER_STALE\n") {
		t.Fatalf("stream body missing stale event: %q", body)
	}
}

func TestHTTPHandlerEventsRejectsInvalidLastEventID(t *testing.T) {
	handler := NewHTTPHandler(HTTPOptions{Client: &fakeEvaluator{}})
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	req.Header.Set("Last-Event-ID", "-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerEventsSendsHeartbeats(t *testing.T) {
	handler := NewHTTPHandler(HTTPOptions{Client: &fakeEvaluator{}, HeartbeatInterval: 2 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx))

	if !rec.Flushed {
		t.Fatal("stream should flush headers before any event")
	}
	if !strings.Contains(rec.Body.String(), ": heartbeat\n\n") {
		t.Fatalf("stream body = %q, want heartbeat comment", rec.Body.String())
	}
}

func TestHTTPHandlerEventsStreamsLiveEvents(t *testing.T) {
	evaluator := &fakeEvaluator{}
	m := metrics.New()
	srv := httptest.NewServer(NewHTTPHandler(HTTPOptions{Client: evaluator, Metrics: m, HeartbeatInterval: time.Hour}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	active := m.ActiveStreams.WithLabelValues("sse")
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(active) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream never became active")
		}
		time.Sleep(time.Millisecond)
	}

	evaluator.emit(feature.Event{Type: feature.EventError, ProviderName: "polling", ErrorCode: feature.ErrorNetwork})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v (lines %q)", err, lines)
		}
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}

	if lines[0] != "id: 1" || lines[1] != "event: PROVIDER_ERROR" {
		t.Fatalf("event header = %q, want id 1 PROVIDER_ERROR", lines[:2])
	}
	if !strings.HasPrefix(lines[2], "data: ") || !strings.Contains(lines[2], `"error_code":"NETWORK_ERROR"`) {
		t.Fatalf("data line = %q, want NETWORK_ERROR payload", lines[2])
	}
}

func TestHTTPHandlerServesInstrumentedMetrics(t *testing.T) {
	m := metrics.New()
	handler := NewHTTPHandler(HTTPOptions{Client: newTestClient(t, welcomeFlag("on")), Metrics: m})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/welcome", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want %d", rec.Code, http.StatusOK)
	}

	want := `flagwatch_http_requests_total{code="200",method="get",route="/welcome"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("/metrics body missing %q", want)
	}
}

func TestNewHTTPHandlerPanicsWithoutClient(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewHTTPHandler(nil client) did not panic")
		}
	}()
	NewHTTPHandler(HTTPOptions{})
}
