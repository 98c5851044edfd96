package source

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matt-riley/flagwatch/internal/core"
)

const bufSize = 1024 * 1024

type rulesetStore struct {
	mu      sync.Mutex
	ruleset core.Ruleset
	err     error
}

func (s *rulesetStore) load(context.Context) (core.Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ruleset, s.err
}

func (s *rulesetStore) set(ruleset core.Ruleset, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleset = ruleset
	s.err = err
}

func startRulesetServer(t *testing.T, store *rulesetStore, serverOpts ...grpc.ServerOption) *GRPCFetcher {
	t.Helper()
	return startRulesetServerWithToken(t, store, "", serverOpts...)
}

func startRulesetServerWithToken(t *testing.T, store *rulesetStore, token string, serverOpts ...grpc.ServerOption) *GRPCFetcher {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(serverOpts...)
	RegisterRulesetServer(gs, NewRulesetServer(store.load))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); lis.Close() })

	fetcher, err := NewGRPCFetcher(GRPCConfig{
		Address: "passthrough:///bufnet",
		DialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
		Token: token,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	return fetcher
}

func testRuleset(t *testing.T, version string) core.Ruleset {
	t.Helper()

	ruleset, err := core.NewRuleset(version, []core.Flag{
		{
			Key: "welcome-message", Type: core.TypeBoolean, DefaultVariant: "on",
			Variants: map[string]any{"on": true, "off": false},
			Rules: []core.Rule{{
				Name:       "internal",
				Conditions: []core.Condition{{Attribute: "email", Operator: core.OperatorEndsWith, Value: "@example.com"}},
				Variant:    "off",
			}},
			Metadata: map[string]any{"owner": "growth"},
		},
		{Key: "limit", Type: core.TypeNumber, DefaultVariant: "low", Variants: map[string]any{"low": 10}},
	})
	if err != nil {
		t.Fatalf("NewRuleset() error = %v", err)
	}
	return ruleset
}

func TestGRPCFetcherRoundTrip(t *testing.T) {
	store := &rulesetStore{ruleset: testRuleset(t, "v1")}
	fetcher := startRulesetServer(t, store)
	ctx := context.Background()

	result, err := fetcher.Fetch(ctx, "")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if result.NotModified || result.Ruleset.Version != "v1" {
		t.Fatalf("Fetch() = %+v, want full ruleset v1", result)
	}

	welcome := result.Ruleset.Flags["welcome-message"]
	if len(welcome.Rules) != 1 || welcome.Rules[0].Conditions[0].Value != "@example.com" {
		t.Fatalf("welcome-message rules = %+v, want one ends_with rule", welcome.Rules)
	}
	if welcome.Metadata["owner"] != "growth" {
		t.Fatalf("welcome-message metadata = %+v, want owner=growth", welcome.Metadata)
	}
	if got := result.Ruleset.Flags["limit"].Variants["low"]; got != float64(10) {
		t.Fatalf("limit variant = %#v, want 10", got)
	}

	result, err = fetcher.Fetch(ctx, "v1")
	if err != nil {
		t.Fatalf("Fetch(v1) error = %v", err)
	}
	if !result.NotModified {
		t.Fatal("Fetch(v1) NotModified = false, want true")
	}

	store.set(testRuleset(t, "v2"), nil)
	result, err = fetcher.Fetch(ctx, "v1")
	if err != nil {
		t.Fatalf("Fetch(v1) after update error = %v", err)
	}
	if result.NotModified || result.Ruleset.Version != "v2" {
		t.Fatalf("Fetch(v1) after update = %+v, want v2", result)
	}
}

func TestGRPCFetcherBackendError(t *testing.T) {
	store := &rulesetStore{err: errors.New("database down")}
	fetcher := startRulesetServer(t, store)

	_, err := fetcher.Fetch(context.Background(), "")
	if err == nil {
		t.Fatal("Fetch() error = nil, want error")
	}
	if errors.Is(err, ErrParse) {
		t.Fatalf("Fetch() error = %v, want a transport error", err)
	}
	if got := status.Code(errors.Unwrap(err)); got != codes.Unavailable {
		t.Fatalf("status code = %s, want %s", got, codes.Unavailable)
	}
}

func TestGRPCFetcherSendsToken(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	capture := grpc.UnaryInterceptor(func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		mu.Lock()
		got = append(got, md.Get("authorization")...)
		mu.Unlock()
		return handler(ctx, req)
	})

	store := &rulesetStore{ruleset: testRuleset(t, "v1")}
	if _, err := startRulesetServerWithToken(t, store, "relay.s3cret", capture).Fetch(context.Background(), ""); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if _, err := startRulesetServer(t, store, capture).Fetch(context.Background(), ""); err != nil {
		t.Fatalf("Fetch() without token error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "Bearer relay.s3cret" {
		t.Fatalf("authorization metadata = %q, want one bearer token", got)
	}
}

func TestNewGRPCFetcherRequiresAddress(t *testing.T) {
	if _, err := NewGRPCFetcher(GRPCConfig{}); err == nil {
		t.Fatal("NewGRPCFetcher() error = nil, want error")
	}
}
