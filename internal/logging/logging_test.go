package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewHandlerFormats(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{format: FormatJSON, want: `"msg":"hello"`},
		{format: FormatText, want: `msg=hello`},
		{format: "yaml", want: `"msg":"hello"`},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			slog.New(NewHandler("info", tt.format, &buf)).Info("hello", "flag_key", "welcome-message")
			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("output = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}

	var buf bytes.Buffer
	slog.New(NewHandler("warn", FormatJSON, &buf)).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"": FormatJSON, " JSON ": FormatJSON, "text": FormatText} {
		got, err := ParseFormat(input)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseFormat("logfmt"); err == nil {
		t.Fatal("ParseFormat(logfmt) error = nil, want error")
	}
}

type gatedWriter struct {
	gate chan struct{}
	mu   sync.Mutex
	buf  bytes.Buffer
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Count(w.buf.Bytes(), []byte("\n"))
}

func TestAsyncHandlerFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	handler := NewAsyncHandler(NewHandler("info", FormatJSON, &buf), 16)
	log := slog.New(handler).With("component", "test")

	log.Info("first")
	log.Debug("filtered")
	log.WithGroup("g").Info("second", "key", "value")

	if err := handler.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"first","component":"test"`) {
		t.Errorf("missing first record with attrs: %s", out)
	}
	if !strings.Contains(out, `"g":{"key":"value"}`) {
		t.Errorf("missing grouped attrs: %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Errorf("debug record written at info level: %s", out)
	}
	if err := handler.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestAsyncHandlerDropsWhenFull(t *testing.T) {
	w := &gatedWriter{gate: make(chan struct{})}
	handler := NewAsyncHandler(NewHandler("info", FormatJSON, w), 1)
	log := slog.New(handler)

	sent := 0
	for handler.Dropped() == 0 && sent < 100 {
		log.Info("record")
		sent++
	}
	if handler.Dropped() == 0 {
		t.Fatal("Dropped() = 0 with a blocked writer, want drops")
	}

	close(w.gate)
	if err := handler.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got, want := w.lines(), sent-int(handler.Dropped()); got != want {
		t.Fatalf("written records = %d, want %d", got, want)
	}

	log.Info("after close")
	if got := handler.Dropped(); got != uint64(sent-w.lines()+1) {
		t.Fatalf("Dropped() after close = %d, want %d", got, sent-w.lines()+1)
	}
}

func TestAsyncHandlerCloseHonoursContext(t *testing.T) {
	w := &gatedWriter{gate: make(chan struct{})}
	defer close(w.gate)
	handler := NewAsyncHandler(NewHandler("info", FormatJSON, w), 4)
	slog.New(handler).Info("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := handler.Close(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Close() error = %v, want %v", err, context.DeadlineExceeded)
	}
}
