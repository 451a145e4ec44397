package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes and stops the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// queued pairs a record with the handler that must write it, so attributes
// added through WithAttrs survive the hand-off to a worker.
type queued struct {
	h   slog.Handler
	rec slog.Record
}

// asyncCore is shared by an AsyncHandler and every handler derived from it.
type asyncCore struct {
	mu      sync.RWMutex // guards closed against concurrent sends
	closed  bool
	ch      chan queued
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// AsyncHandler writes records on background workers. Info and Debug records
// are dropped when the buffer is full; Warn and above wait for room, so task
// failures and billing errors always reach the log. Records are written
// with a detached context: anything reading the context must wrap this
// handler, not sit inside it.
type AsyncHandler struct {
	inner slog.Handler
	core  *asyncCore
}

// NewAsyncHandler creates an AsyncHandler buffering chanSize records for
// workers goroutines.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	core := &asyncCore{ch: make(chan queued, chanSize)}
	for range max(workers, 1) {
		core.wg.Add(1)
		go core.drain()
	}
	return &AsyncHandler{inner: inner, core: core}
}

func (c *asyncCore) drain() {
	defer c.wg.Done()
	for q := range c.ch {
		_ = q.h.Handle(context.Background(), q.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues rec. After Close it writes synchronously.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	c := h.core
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return h.inner.Handle(ctx, rec)
	}

	q := queued{h: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelWarn {
		c.ch <- q
		return nil
	}
	select {
	case c.ch <- q:
	default:
		c.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), core: h.core}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), core: h.core}
}

// DroppedCount returns the number of Info and Debug records dropped so far.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.core.dropped.Load()
}

// Close flushes buffered records and stops the workers. It is safe to call
// more than once.
func (h *AsyncHandler) Close() {
	c := h.core
	c.mu.Lock()
	first := !c.closed
	if first {
		c.closed = true
		close(c.ch)
	}
	c.mu.Unlock()
	c.wg.Wait()

	if n := c.dropped.Load(); first && n > 0 {
		_ = h.inner.Handle(context.Background(), dropRecord(n))
	}
}

func dropRecord(n int64) slog.Record {
	rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
	rec.AddAttrs(slog.Int64("dropped", n))
	return rec
}
