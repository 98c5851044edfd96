package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/flagwatch/internal/core"
	"github.com/matt-riley/flagwatch/internal/feature"
	"github.com/matt-riley/flagwatch/internal/metrics"
	"github.com/matt-riley/flagwatch/internal/middleware"
)

const (
	// WelcomeFlagKey is the flag behind GET /welcome.
	WelcomeFlagKey      = "welcome-message"
	welcomeTargetingKey = "default-targeting-key"

	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxJSONBodyBytes  = 1 << 20
	maxEvaluateBatchSize     = 100
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPOptions wires the HTTP surface. Client is required.
type HTTPOptions struct {
	Client Evaluator
	// Status backs /healthz. Without it /healthz always reports ok.
	Status StatusReporter
	// Metrics instruments every route and serves /metrics when set.
	Metrics *metrics.Metrics
	// RateLimiter guards /v1/evaluate when set.
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	MaxJSONBodySize   int64
	HeartbeatInterval time.Duration
}

type HTTPServer struct {
	client            Evaluator
	status            StatusReporter
	metrics           *metrics.Metrics
	broker            *eventBroker
	logger            *slog.Logger
	maxJSONBodySize   int64
	heartbeatInterval time.Duration
}

type evaluationJSONContext struct {
	TargetingKey string         `json:"targeting_key,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

type evaluateJSONRequest struct {
	Key          string                  `json:"key,omitempty"`
	Type         core.Type               `json:"type,omitempty"`
	Context      evaluationJSONContext   `json:"context,omitempty"`
	DefaultValue any                     `json:"default_value,omitempty"`
	Requests     []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Key          string                `json:"key"`
	Type         core.Type             `json:"type,omitempty"`
	Context      evaluationJSONContext `json:"context"`
	DefaultValue any                   `json:"default_value,omitempty"`
}

type evaluateJSONResponse struct {
	Results []feature.EvaluationDetails[any] `json:"results"`
}

type healthJSONResponse struct {
	Status   string `json:"status"`
	Provider any    `json:"provider,omitempty"`
}

// NewHTTPHandler builds the flagwatch HTTP API. It subscribes to the
// client's provider events once, so it should be called once per client.
func NewHTTPHandler(opts HTTPOptions) http.Handler {
	if opts.Client == nil {
		panic("client is nil")
	}

	server := &HTTPServer{
		client:            opts.Client,
		status:            opts.Status,
		metrics:           opts.Metrics,
		broker:            newEventBroker(),
		logger:            opts.Logger,
		maxJSONBodySize:   opts.MaxJSONBodySize,
		heartbeatInterval: opts.HeartbeatInterval,
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	if server.maxJSONBodySize <= 0 {
		server.maxJSONBodySize = defaultMaxJSONBodyBytes
	}
	if server.heartbeatInterval <= 0 {
		server.heartbeatInterval = defaultHeartbeatInterval
	}

	for _, eventType := range []feature.EventType{
		feature.EventReady,
		feature.EventConfigurationChanged,
		feature.EventStale,
		feature.EventError,
	} {
		opts.Client.AddHandler(eventType, server.broker.publish)
	}

	var evaluate http.Handler = http.HandlerFunc(server.handleEvaluate)
	if opts.RateLimiter != nil {
		var onLimited func()
		if opts.Metrics != nil {
			onLimited = opts.Metrics.IncRateLimited
		}
		evaluate = middleware.HTTPRateLimit(opts.RateLimiter, onLimited)(evaluate)
	}

	mux := http.NewServeMux()
	server.handle(mux, "GET /welcome", http.HandlerFunc(server.handleWelcome))
	server.handle(mux, "POST /v1/evaluate", evaluate)
	server.handle(mux, "GET /v1/events", http.HandlerFunc(server.handleEvents))
	server.handle(mux, "GET /healthz", http.HandlerFunc(server.handleHealthz))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	return mux
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, handler http.Handler) {
	if s.metrics != nil {
		_, route, _ := strings.Cut(pattern, " ")
		handler = s.metrics.InstrumentHandler(route, handler)
	}
	mux.Handle(pattern, handler)
}

func (s *HTTPServer) handleWelcome(w http.ResponseWriter, r *http.Request) {
	evalCtx := feature.NewEvaluationContext(welcomeTargetingKey, nil)
	details := s.client.ResolveBoolean(r.Context(), WelcomeFlagKey, false, evalCtx)

	message := "Hello world!"
	if details.Value {
		message = "Hello world! The welcome-message feature flag was enabled!"
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, message)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var items []evaluateJSONBatchItem
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Key) != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or requests")
		return
	case len(request.Requests) > maxEvaluateBatchSize:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per batch", maxEvaluateBatchSize))
		return
	case len(request.Requests) > 0:
		items = request.Requests
	case strings.TrimSpace(request.Key) != "":
		items = []evaluateJSONBatchItem{{
			Key:          request.Key,
			Type:         request.Type,
			Context:      request.Context,
			DefaultValue: request.DefaultValue,
		}}
	default:
		writeJSONError(w, http.StatusBadRequest, "key or requests is required")
		return
	}

	for idx := range items {
		if err := normalizeBatchItem(&items[idx]); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: %v", idx, err))
			return
		}
	}

	results := make([]feature.EvaluationDetails[any], 0, len(items))
	for _, item := range items {
		evalCtx := feature.NewEvaluationContext(item.Context.TargetingKey, item.Context.Attributes)
		results = append(results, s.client.Resolve(r.Context(), item.Type, item.Key, item.DefaultValue, evalCtx))
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

// normalizeBatchItem fills the default type and checks the default value
// against it.
func normalizeBatchItem(item *evaluateJSONBatchItem) error {
	if strings.TrimSpace(item.Key) == "" {
		return errors.New("key is required")
	}
	if item.Type == "" {
		item.Type = core.TypeBoolean
	}
	switch item.Type {
	case core.TypeBoolean, core.TypeString, core.TypeNumber, core.TypeObject:
	default:
		return fmt.Errorf("unknown type %q", item.Type)
	}
	if item.DefaultValue != nil && !core.MatchesType(item.Type, item.DefaultValue) {
		return fmt.Errorf("default_value is not a %s", item.Type)
	}
	return nil
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	replay, events, cancel := s.broker.subscribe(lastEventID)
	defer cancel()

	if s.metrics != nil {
		s.metrics.ActiveStreams.WithLabelValues("sse").Inc()
		defer s.metrics.ActiveStreams.WithLabelValues("sse").Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(se streamEvent) error {
		payload, err := json.Marshal(se.event)
		if err != nil {
			return err
		}
		if err := writeSSEEvent(w, se.id, string(se.event.Type), payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, se := range replay {
		if err := write(se); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case se := <-events:
			if err := write(se); err != nil {
				s.logger.DebugContext(r.Context(), "event stream write failed", "error", err)
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, healthJSONResponse{Status: "ok"})
		return
	}

	status := s.status.Status()
	switch status.State {
	case feature.StateReady:
		writeJSON(w, http.StatusOK, healthJSONResponse{Status: "ok", Provider: status})
	case feature.StateStale:
		writeJSON(w, http.StatusOK, healthJSONResponse{Status: "stale", Provider: status})
	default:
		writeJSON(w, http.StatusServiceUnavailable, healthJSONResponse{Status: "unavailable", Provider: status})
	}
}

func parseLastEventID(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func writeSSEEvent(w io.Writer, eventID uint64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
