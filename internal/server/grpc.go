package server

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/matt-riley/flagwatch/internal/core"
	"github.com/matt-riley/flagwatch/internal/metrics"
	"github.com/matt-riley/flagwatch/internal/middleware"
	"github.com/matt-riley/flagwatch/internal/source"
)

var errNoSnapshot = errors.New("no ruleset published yet")

// NewGRPCServer returns a gRPC server that relays the currently published
// ruleset over RulesetService, so other flagwatch instances can poll this one
// with FLAG_SOURCE=grpc. m may be nil. extra interceptors, such as bearer
// auth, run after logging and metrics.
func NewGRPCServer(snapshots SnapshotSource, m *metrics.Metrics, logger *slog.Logger, extra ...grpc.UnaryServerInterceptor) *grpc.Server {
	if snapshots == nil {
		panic("snapshot source is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	interceptors := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(logger)}
	if m != nil {
		interceptors = append(interceptors, m.UnaryServerInterceptor())
	}
	interceptors = append(interceptors, extra...)

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	source.RegisterRulesetServer(srv, source.NewRulesetServer(snapshotLoader(snapshots)))
	return srv
}

func snapshotLoader(snapshots SnapshotSource) source.RulesetLoader {
	return func(context.Context) (core.Ruleset, error) {
		snapshot := snapshots.Snapshot()
		if snapshot == nil {
			return core.Ruleset{}, errNoSnapshot
		}
		return snapshot.Ruleset, nil
	}
}
