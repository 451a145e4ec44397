// Package logger provides structured logging setup for OmniTask.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/omnitask/internal/config"
)

// redacted lists attribute keys whose values never reach the log output.
var redacted = map[string]bool{
	"api_key":       true,
	"authorization": true,
	"master_key":    true,
	"password":      true,
}

// New creates the process logger: JSON (or text) to stdout with a "service"
// attribute on every record, plus the ids carried by the context. The
// returned Closer flushes the async handler; it is a no-op otherwise.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.Logging, out io.Writer) (*slog.Logger, Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), ReplaceAttr: redact}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(h, 4096, 2)
		h, closer = ah, ah
	}
	return slog.New(&contextHandler{inner: h}).With("service", cfg.Service), closer
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redacted[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if s == "warning" {
		s = "warn"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// contextHandler copies the ids stored on the context onto each record.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	for _, f := range contextFields {
		if v, _ := ctx.Value(f.key).(string); v != "" {
			rec.AddAttrs(slog.String(f.attr, v))
		}
	}
	return h.inner.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
