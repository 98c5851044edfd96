package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzParsePairs(f *testing.F) {
	f.Add("ci:$2a$10$abc,ops:$2a$10$def", ":")
	f.Add("service=checkout, region = eu", "=")
	f.Add("a=1,a=2", "=")
	f.Add(":nokey", ":")
	f.Add(" , ", "=")

	f.Fuzz(func(t *testing.T, value, sep string) {
		if sep == "" || strings.Contains(sep, ",") || strings.ContainsRune(value, '\x00') || strings.ContainsRune(sep, '\x00') {
			t.Skip()
		}

		const key = "FLAGWATCH_TEST_PAIRS"
		t.Setenv(key, value)

		pairs, err := parsePairs(key, sep)
		if err != nil {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("parsePairs() error = %v, want it to name %s", err, key)
			}
			return
		}
		if len(pairs) > len(splitList(value)) {
			t.Fatalf("parsePairs() = %d pairs from %d entries", len(pairs), len(splitList(value)))
		}
		for k, v := range pairs {
			if k == "" || k != strings.TrimSpace(k) || v != strings.TrimSpace(v) {
				t.Fatalf("parsePairs() produced untrimmed or empty entry %q=%q", k, v)
			}
		}
	})
}

func FuzzLoadTraceSampleRatio(f *testing.F) {
	f.Add("")
	f.Add("0")
	f.Add("0.25")
	f.Add("1")
	f.Add("1.5")
	f.Add("NaN")

	f.Fuzz(func(t *testing.T, ratio string) {
		if strings.ContainsRune(ratio, '\x00') {
			t.Skip()
		}

		setBaseEnv(t)
		t.Setenv("TRACE_SAMPLE_RATIO", ratio)

		cfg, err := Load()
		if err != nil {
			return
		}
		if !(cfg.TraceSampleRatio >= 0 && cfg.TraceSampleRatio <= 1) {
			t.Fatalf("TraceSampleRatio = %g for %q, want within [0, 1]", cfg.TraceSampleRatio, ratio)
		}
	})
}

func FuzzLoadPollInterval(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("45s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, pollInterval string) {
		if strings.ContainsRune(pollInterval, '\x00') {
			t.Skip()
		}

		setBaseEnv(t)
		t.Setenv("POLL_INTERVAL", pollInterval)

		cfg, err := Load()
		trimmed := strings.TrimSpace(pollInterval)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty POLL_INTERVAL", err)
			}
			if cfg.PollInterval != defaultPollInterval {
				t.Fatalf("PollInterval = %s, want %s", cfg.PollInterval, defaultPollInterval)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 || parsed > defaultMaxBackoff {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for POLL_INTERVAL=%q", pollInterval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for POLL_INTERVAL=%q", err, pollInterval)
		}
		if cfg.PollInterval != parsed {
			t.Fatalf("PollInterval = %s, want %s", cfg.PollInterval, parsed)
		}
	})
}
