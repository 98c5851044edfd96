package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/matt-riley/flagwatch/internal/core"
	"github.com/matt-riley/flagwatch/internal/feature"
)

var errRejected = errors.New("rejected")

type rejectingHook struct {
	feature.UnimplementedHook
}

func (rejectingHook) Before(context.Context, *feature.HookContext) error {
	return errRejected
}

// newHookClient builds a client over a static provider that holds an enabled
// boolean welcome-message flag.
func newHookClient(t *testing.T, hooks ...feature.Hook) *feature.Client {
	t.Helper()

	ruleset, err := core.NewRuleset("test", []core.Flag{{
		Key:            "welcome-message",
		State:          core.StateEnabled,
		Type:           core.TypeBoolean,
		DefaultVariant: "on",
		Variants:       map[string]any{"on": true, "off": false},
		Metadata:       map[string]any{"owner": "growth", "tier": "gold"},
	}})
	if err != nil {
		t.Fatalf("NewRuleset() error = %v", err)
	}

	client := feature.NewClient(feature.ClientOptions{
		Name:        "hooks-test",
		Hooks:       hooks,
		IDGenerator: func() string { return "corr-1" },
	})
	if err := client.SetProvider(context.Background(), feature.NewStaticProvider("static", ruleset)); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })
	return client
}
