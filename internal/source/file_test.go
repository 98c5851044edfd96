package source

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const welcomeYAML = `flags:
  - key: welcome-message
    type: boolean
    default_variant: "off"
    variants:
      "on": true
      "off": false
    rules:
      - name: beta
        variant: "on"
        conditions:
          - attribute: group
            operator: in
            value: [beta, staff]
        rollout:
          percentage: 50
  - key: limit
    type: number
    default_variant: low
    variants:
      low: 10
      high: 100
`

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFileFetcherYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	writeFile(t, path, welcomeYAML)

	fetcher, err := NewFileFetcher(path)
	if err != nil {
		t.Fatalf("NewFileFetcher() error = %v", err)
	}

	result, err := fetcher.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	welcome, ok := result.Ruleset.Flags["welcome-message"]
	if !ok {
		t.Fatal("Fetch() ruleset missing welcome-message")
	}
	if welcome.Rules[0].Rollout == nil || welcome.Rules[0].Rollout.Percentage != 50 {
		t.Fatalf("welcome-message rollout = %+v, want 50%%", welcome.Rules[0].Rollout)
	}
	if len(result.Ruleset.Version) != 16 {
		t.Fatalf("Fetch() version = %q, want 16 hex digits", result.Ruleset.Version)
	}

	again, err := fetcher.Fetch(context.Background(), result.Ruleset.Version)
	if err != nil {
		t.Fatalf("Fetch(version) error = %v", err)
	}
	if !again.NotModified {
		t.Fatal("Fetch(same content) NotModified = false, want true")
	}

	writeFile(t, path, welcomeYAML+"  - key: banner\n    type: string\n    default_variant: a\n    variants:\n      a: Hello\n")
	changed, err := fetcher.Fetch(context.Background(), result.Ruleset.Version)
	if err != nil {
		t.Fatalf("Fetch() after edit error = %v", err)
	}
	if changed.NotModified || len(changed.Ruleset.Flags) != 3 {
		t.Fatalf("Fetch() after edit = %+v, want three flags", changed)
	}
}

func TestFileFetcherJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	writeFile(t, path, welcomePayload)

	fetcher, err := NewFileFetcher(path)
	if err != nil {
		t.Fatalf("NewFileFetcher() error = %v", err)
	}
	result, err := fetcher.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if result.Ruleset.Version == "body-version" {
		t.Fatal("Fetch() used the body version, want a content hash")
	}
}

func TestFileFetcherErrors(t *testing.T) {
	dir := t.TempDir()
	malformed := filepath.Join(dir, "broken.yaml")
	writeFile(t, malformed, "flags: [")

	fetcher, err := NewFileFetcher(malformed)
	if err != nil {
		t.Fatalf("NewFileFetcher() error = %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), ""); !errors.Is(err, ErrParse) {
		t.Fatalf("Fetch(malformed) error = %v, want %v", err, ErrParse)
	}

	missing, err := NewFileFetcher(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("NewFileFetcher() error = %v", err)
	}
	if _, err := missing.Fetch(context.Background(), ""); err == nil || errors.Is(err, ErrParse) {
		t.Fatalf("Fetch(missing) error = %v, want read error", err)
	}

	if _, err := NewFileFetcher(""); err == nil {
		t.Fatal("NewFileFetcher(\"\") error = nil, want error")
	}
}

func TestWatchFileNotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	other := filepath.Join(dir, "other.yaml")
	writeFile(t, path, welcomeYAML)

	changed := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, func() { changed <- struct{}{} }, slog.New(slog.DiscardHandler))
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("WatchFile() error = %v", err)
		}
	})

	deadline := time.After(5 * time.Second)
	for {
		writeFile(t, other, "ignored")
		writeFile(t, path, welcomeYAML)
		select {
		case <-changed:
			return
		case <-deadline:
			t.Fatal("timed out waiting for change notification")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
