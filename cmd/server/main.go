// Package main is the entry point for the flagwatch server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Set up async JSON logging, tracing and the Prometheus registry.
//  3. Build the ruleset fetcher for FLAG_SOURCE (http, grpc, postgres or file).
//  4. Start the polling provider behind a feature client with logging,
//     metrics and trace hooks.
//  5. Serve the HTTP API and, when GRPC_ADDR is set, the gRPC ruleset relay.
//     With AUTH_KEYS set, /v1/ routes and the relay require a bearer token.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/matt-riley/flagwatch/internal/config"
	"github.com/matt-riley/flagwatch/internal/feature"
	"github.com/matt-riley/flagwatch/internal/hooks"
	"github.com/matt-riley/flagwatch/internal/logging"
	"github.com/matt-riley/flagwatch/internal/metrics"
	"github.com/matt-riley/flagwatch/internal/middleware"
	"github.com/matt-riley/flagwatch/internal/polling"
	"github.com/matt-riley/flagwatch/internal/server"
	"github.com/matt-riley/flagwatch/internal/source"
	"github.com/matt-riley/flagwatch/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

var providerEventTypes = []feature.EventType{
	feature.EventReady,
	feature.EventConfigurationChanged,
	feature.EventStale,
	feature.EventError,
}

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logHandler := logging.NewAsyncHandler(logging.NewHandler(cfg.LogLevel, cfg.LogFormat, os.Stderr), cfg.LogQueueSize)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logHandler.Close(ctx)
		slog.SetDefault(logging.New(cfg.LogLevel))
	}()
	log := slog.New(logHandler)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	m := metrics.New()
	m.RegisterDropCounter("flagwatch_log_records_dropped_total",
		"Log records dropped because the async log queue was full.", logHandler.Dropped)

	evaluationHooks, eventHandlers, err := newHooks(cfg, m.Registry, log)
	if err != nil {
		return err
	}

	var validator middleware.TokenValidator
	if len(cfg.AuthKeys) > 0 {
		keys, err := middleware.NewKeySet(cfg.AuthKeys)
		if err != nil {
			return fmt.Errorf("load AUTH_KEYS: %w", err)
		}
		validator = keys
	}

	fetcher, err := newFetcher(ctx, cfg, m.Registry, log)
	if err != nil {
		return err
	}
	provider, err := newProvider(fetcher, pollingOptions(cfg, m, log))
	if err != nil {
		return err
	}

	client := feature.NewClient(feature.ClientOptions{
		Name:   "flagwatch",
		Hooks:  evaluationHooks,
		Logger: log,
	})
	for _, eventType := range providerEventTypes {
		for _, handler := range eventHandlers {
			client.AddHandler(eventType, handler)
		}
	}

	authOpts := []middleware.AuthOption{middleware.WithOnAuthFailure(m.IncAuthFailures)}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.EvaluateRateLimit)
	defer rateLimiter.Stop()

	apiHandler := server.NewHTTPHandler(server.HTTPOptions{
		Client:          client,
		Status:          provider,
		Metrics:         m,
		RateLimiter:     rateLimiter,
		Logger:          log,
		MaxJSONBodySize: cfg.MaxJSONBodySize,
	})

	// Handlers are registered first so the initial READY or ERROR event is
	// seen by the SSE broker.
	if err := client.SetProvider(ctx, provider); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Append(fmt.Errorf("set provider: %w", err), provider.Shutdown(shutdownCtx))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Shutdown(ctx); err != nil {
			log.Error("client shutdown error", "error", err)
		}
	}()

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	g, gctx := errgroup.WithContext(ctx)
	httpServer := newHTTPServer(gctx, cfg, middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, validator, authOpts...)))
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown HTTP: %w", err)
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		var relayAuth []grpc.UnaryServerInterceptor
		if validator != nil {
			relayAuth = append(relayAuth, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
		}
		grpcServer := server.NewGRPCServer(provider, m, log, relayAuth...)
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
		}
		defer grpcListener.Close()

		g.Go(func() error {
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve gRPC: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gracefulStop(grpcServer, shutdownTimeout)
			return nil
		})
	}

	if cfg.Source == config.SourceFile {
		g.Go(func() error {
			if err := source.WatchFile(gctx, cfg.FilePath, provider.Refresh, log); err != nil {
				return fmt.Errorf("watch ruleset file: %w", err)
			}
			return nil
		})
	}

	log.Info("server started",
		"source", cfg.Source,
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"auth_keys", len(cfg.AuthKeys),
	)

	err = g.Wait()
	log.Info("server shutting down")
	return err
}

// newFetcher builds the ruleset fetcher selected by cfg.Source. A Postgres
// fetcher owns its pool and closes it on Close.
func newFetcher(ctx context.Context, cfg config.Config, reg prometheus.Registerer, log *slog.Logger) (source.Fetcher, error) {
	switch cfg.Source {
	case config.SourceHTTP:
		fetcher, err := source.NewHTTPFetcher(source.HTTPConfig{
			Endpoint: cfg.Endpoint,
			Header:   sourceAuthHeader(cfg.SourceToken),
		})
		if err != nil {
			return nil, fmt.Errorf("create http fetcher: %w", err)
		}
		return fetcher, nil
	case config.SourceGRPC:
		fetcher, err := source.NewGRPCFetcher(source.GRPCConfig{Address: cfg.Endpoint, Token: cfg.SourceToken})
		if err != nil {
			return nil, fmt.Errorf("create grpc fetcher: %w", err)
		}
		return fetcher, nil
	case config.SourceFile:
		fetcher, err := source.NewFileFetcher(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create file fetcher: %w", err)
		}
		return fetcher, nil
	case config.SourcePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.Migrate {
			if err := runMigrations(ctx, pool, log); err != nil {
				pool.Close()
				return nil, err
			}
		}
		metrics.RegisterPoolMetrics(reg, pool)
		fetcher, err := source.NewPostgresFetcher(pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("create postgres fetcher: %w", err)
		}
		return fetcher, nil
	default:
		return nil, fmt.Errorf("unsupported FLAG_SOURCE %q", cfg.Source)
	}
}

// newProvider hands fetcher to a polling provider, which closes it on
// Shutdown. The fetcher is closed here only when the provider cannot be built.
func newProvider(fetcher source.Fetcher, opts polling.Options) (*polling.Provider, error) {
	provider, err := polling.New(fetcher, opts)
	if err != nil {
		if closer, ok := fetcher.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
		return nil, fmt.Errorf("create polling provider: %w", err)
	}
	return provider, nil
}

func sourceAuthHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// newHTTPHandler puts every /v1/ route behind bearer auth when validator is
// set. /welcome, /healthz and /metrics stay public. Routing on the outer mux
// matches the cleaned path, so escaped forms of /v1/ are protected too.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	if validator == nil {
		return apiHandler
	}
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /welcome", apiHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)
	return mux
}

func pollingOptions(cfg config.Config, m *metrics.Metrics, log *slog.Logger) polling.Options {
	return polling.Options{
		Name:           "flagwatch-" + string(cfg.Source),
		PollInterval:   cfg.PollInterval,
		RequestTimeout: cfg.RequestTimeout,
		MaxBackoff:     cfg.MaxBackoff,
		StaleAfter:     cfg.StaleAfter,
		Logger:         log,
		OnFetch: func(outcome polling.Outcome, elapsed time.Duration) {
			m.ObserveFetch(string(outcome), elapsed)
		},
		OnPublish: func(snapshot *polling.Snapshot) {
			m.ObserveSnapshot(len(snapshot.Ruleset.Flags), snapshot.Seq, snapshot.FetchedAt)
		},
	}
}

// newHooks returns the client-wide evaluation hooks and the provider event
// handlers that report through the same logger and registry.
func newHooks(cfg config.Config, reg prometheus.Registerer, log *slog.Logger) ([]feature.Hook, []feature.EventCallback, error) {
	dimensions := make(map[string]hooks.DimensionFunc, len(cfg.MetricMetadataDimensions))
	for _, key := range cfg.MetricMetadataDimensions {
		dimensions[key] = hooks.FlagMetadataDimension(key)
	}

	metricsHook, err := hooks.NewMetricsHook(hooks.MetricsOptions{
		Registerer:       reg,
		StaticDimensions: cfg.MetricDimensions,
		Dimensions:       dimensions,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create metrics hook: %w", err)
	}
	loggingHook := hooks.NewLoggingHook(hooks.LoggingOptions{
		Logger:         log,
		IncludeContext: cfg.LogEvaluationContext,
	})

	evaluationHooks := []feature.Hook{hooks.NewTraceEnricherHook(), metricsHook, loggingHook}
	eventHandlers := []feature.EventCallback{loggingHook.OnEvent, metricsHook.OnEvent}
	return evaluationHooks, eventHandlers, nil
}

// newHTTPServer derives request contexts from baseCtx so open event streams
// end when baseCtx is cancelled instead of holding up Shutdown.
func newHTTPServer(baseCtx context.Context, cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "flagwatch-http"),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
}

func gracefulStop(srv *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		srv.Stop()
	}
}
