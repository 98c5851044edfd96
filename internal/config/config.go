// Package config loads server configuration from environment variables.
//
// Ruleset source:
//   - FLAG_SOURCE: one of "http" (default), "grpc", "postgres" or "file".
//   - FLAG_ENDPOINT: base URL (http) or target address (grpc). Required for
//     those sources.
//   - FLAG_FILE: path of a YAML or JSON ruleset. Required for "file".
//   - DATABASE_URL: PostgreSQL connection string. Required for "postgres".
//   - DB_MIGRATE: apply the embedded migrations before polling (default false).
//   - FLAG_SOURCE_TOKEN: bearer token sent to an http or grpc source.
//
// Polling (durations must be > 0 if set):
//   - POLL_INTERVAL (default "500ms"), REQUEST_TIMEOUT (default "2s"),
//     MAX_BACKOFF (default "30s", must be >= POLL_INTERVAL),
//     STALE_AFTER (default "10s").
//
// Server and telemetry:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: when set, re-serve the active ruleset over gRPC here.
//   - AUTH_KEYS: "id:bcrypt-hash,..." API keys. When set, /v1/ routes and the
//     gRPC relay require "Authorization: Bearer id.secret".
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - LOG_FORMAT: json or text (default "json").
//   - LOG_QUEUE_SIZE: async log queue length (default "1024").
//   - LOG_EVALUATION_CONTEXT: include targeting data in evaluation logs.
//   - METRIC_DIMENSIONS: static labels for evaluation metrics, "k=v,k2=v2".
//   - METRIC_METADATA_DIMENSIONS: flag metadata keys exported as labels, "a,b".
//   - EVALUATE_RATE_LIMIT: per-IP requests per minute on /v1/evaluate
//     (default "600").
//   - MAX_JSON_BODY_SIZE: max /v1/evaluate body size in bytes (default "1048576").
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME: opt-in tracing.
//   - TRACE_SAMPLE_RATIO: fraction of root traces sampled, 0 to 1 (default "1").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/flagwatch/internal/logging"
)

// Source names a ruleset backend.
type Source string

const (
	SourceHTTP     Source = "http"
	SourceGRPC     Source = "grpc"
	SourcePostgres Source = "postgres"
	SourceFile     Source = "file"
)

const (
	defaultHTTPAddr                = ":8080"
	defaultPollInterval            = 500 * time.Millisecond
	defaultRequestTimeout          = 2 * time.Second
	defaultMaxBackoff              = 30 * time.Second
	defaultStaleAfter              = 10 * time.Second
	defaultEvaluateRateLimit       = 600
	defaultLogQueueSize            = 1024
	defaultTraceSampleRatio        = 1.0
	defaultMaxJSONBodySize   int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the flagwatch server.
type Config struct {
	Source      Source
	Endpoint    string
	FilePath    string
	DatabaseURL string
	Migrate     bool
	SourceToken string

	PollInterval   time.Duration
	RequestTimeout time.Duration
	MaxBackoff     time.Duration
	StaleAfter     time.Duration

	HTTPAddr                 string
	GRPCAddr                 string
	AuthKeys                 map[string]string
	LogLevel                 string
	LogFormat                logging.Format
	LogQueueSize             int
	LogEvaluationContext     bool
	MetricDimensions         map[string]string
	MetricMetadataDimensions []string
	EvaluateRateLimit        int
	MaxJSONBodySize          int64

	OTLPEndpoint     string
	ServiceName      string
	TraceSampleRatio float64
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		Source:       Source(strings.ToLower(envOrDefault("FLAG_SOURCE", string(SourceHTTP)))),
		Endpoint:     strings.TrimSpace(os.Getenv("FLAG_ENDPOINT")),
		FilePath:     strings.TrimSpace(os.Getenv("FLAG_FILE")),
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SourceToken:  strings.TrimSpace(os.Getenv("FLAG_SOURCE_TOKEN")),
		HTTPAddr:     envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:     strings.TrimSpace(os.Getenv("GRPC_ADDR")),
		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:  strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")),
	}

	switch cfg.Source {
	case SourceHTTP, SourceGRPC:
		if cfg.Endpoint == "" {
			return Config{}, fmt.Errorf("FLAG_ENDPOINT is required when FLAG_SOURCE is %s", cfg.Source)
		}
	case SourceFile:
		if cfg.FilePath == "" {
			return Config{}, errors.New("FLAG_FILE is required when FLAG_SOURCE is file")
		}
	case SourcePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required when FLAG_SOURCE is postgres")
		}
	default:
		return Config{}, fmt.Errorf("FLAG_SOURCE %q is not one of http, grpc, postgres, file", cfg.Source)
	}

	var err error
	if cfg.Migrate, err = boolEnv("DB_MIGRATE"); err != nil {
		return Config{}, err
	}
	if cfg.LogEvaluationContext, err = boolEnv("LOG_EVALUATION_CONTEXT"); err != nil {
		return Config{}, err
	}

	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", defaultPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", defaultRequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxBackoff, err = durationEnv("MAX_BACKOFF", defaultMaxBackoff); err != nil {
		return Config{}, err
	}
	if cfg.StaleAfter, err = durationEnv("STALE_AFTER", defaultStaleAfter); err != nil {
		return Config{}, err
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		return Config{}, errors.New("MAX_BACKOFF must be >= POLL_INTERVAL")
	}

	if cfg.EvaluateRateLimit, err = positiveIntEnv("EVALUATE_RATE_LIMIT", defaultEvaluateRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.LogQueueSize, err = positiveIntEnv("LOG_QUEUE_SIZE", defaultLogQueueSize); err != nil {
		return Config{}, err
	}

	cfg.TraceSampleRatio = defaultTraceSampleRatio
	if v := strings.TrimSpace(os.Getenv("TRACE_SAMPLE_RATIO")); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil || !(ratio >= 0 && ratio <= 1) {
			return Config{}, errors.New("TRACE_SAMPLE_RATIO must be a number between 0 and 1")
		}
		cfg.TraceSampleRatio = ratio
	}

	cfg.MaxJSONBodySize = defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = n
	}

	if cfg.LogFormat, err = logging.ParseFormat(os.Getenv("LOG_FORMAT")); err != nil {
		return Config{}, fmt.Errorf("parse LOG_FORMAT: %w", err)
	}
	if cfg.MetricDimensions, err = parsePairs("METRIC_DIMENSIONS", "="); err != nil {
		return Config{}, err
	}
	if cfg.AuthKeys, err = parsePairs("AUTH_KEYS", ":"); err != nil {
		return Config{}, err
	}
	cfg.MetricMetadataDimensions = splitList(os.Getenv("METRIC_METADATA_DIMENSIONS"))

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func boolEnv(key string) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

// parsePairs reads the variable key as a list of "k<sep>v" entries, e.g.
// "k=v,k2=v2". Keys must be non-empty and unique.
func parsePairs(key, sep string) (map[string]string, error) {
	items := splitList(os.Getenv(key))
	if len(items) == 0 {
		return nil, nil
	}
	pairs := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, sep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%s entry %q must be key%svalue", key, item, sep)
		}
		if _, dup := pairs[k]; dup {
			return nil, fmt.Errorf("%s repeats key %q", key, k)
		}
		pairs[k] = strings.TrimSpace(v)
	}
	return pairs, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
