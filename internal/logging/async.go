package logging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the record buffer used when NewAsyncHandler is given a
// non-positive size.
const DefaultQueueSize = 1024

type queuedRecord struct {
	handler slog.Handler
	ctx     context.Context
	record  slog.Record
}

type asyncQueue struct {
	mu      sync.RWMutex
	closed  bool
	records chan queuedRecord
	dropped atomic.Uint64
	done    chan struct{}
}

// AsyncHandler hands records to a single background writer through a bounded
// queue. Handle never blocks: when the queue is full the record is dropped
// and counted.
type AsyncHandler struct {
	next  slog.Handler
	queue *asyncQueue
}

// NewAsyncHandler starts the writer goroutine. Call Close to flush queued
// records and stop it.
func NewAsyncHandler(next slog.Handler, size int) *AsyncHandler {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &asyncQueue{
		records: make(chan queuedRecord, size),
		done:    make(chan struct{}),
	}
	go q.drain()
	return &AsyncHandler{next: next, queue: q}
}

func (q *asyncQueue) drain() {
	defer close(q.done)
	for r := range q.records {
		_ = r.handler.Handle(r.ctx, r.record)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, record slog.Record) error {
	h.queue.mu.RLock()
	defer h.queue.mu.RUnlock()

	if h.queue.closed {
		h.queue.dropped.Add(1)
		return nil
	}
	// The writer may run after ctx is cancelled; only its values matter.
	queued := queuedRecord{handler: h.next, ctx: context.WithoutCancel(ctx), record: record.Clone()}
	select {
	case h.queue.records <- queued:
	default:
		h.queue.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), queue: h.queue}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), queue: h.queue}
}

// Dropped reports how many records were discarded because the queue was full
// or the handler was closed.
func (h *AsyncHandler) Dropped() uint64 {
	return h.queue.dropped.Load()
}

// Close stops accepting records and waits until the queued ones are written
// or ctx ends. It is safe to call more than once.
func (h *AsyncHandler) Close(ctx context.Context) error {
	h.queue.mu.Lock()
	if !h.queue.closed {
		h.queue.closed = true
		close(h.queue.records)
	}
	h.queue.mu.Unlock()

	select {
	case <-h.queue.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
