// Package logging configures the process-wide slog output. Package loggers
// are created at init time with L and follow whatever Init installs later.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared across packages.
const (
	KeySessionID  = "sessionId"
	KeyState      = "state"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

// deferredHandler forwards to the handler installed by Init. Attributes
// and groups added before Init are replayed on top of the current output
// handler for every record.
type deferredHandler struct {
	out   *atomic.Pointer[slog.Handler]
	chain []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := *h.out.Load()
	for _, wrap := range h.chain {
		handler = wrap(handler)
	}
	return handler
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= levelVar.Level()
}

func (h *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *deferredHandler) extend(wrap func(slog.Handler) slog.Handler) *deferredHandler {
	chain := make([]func(slog.Handler) slog.Handler, len(h.chain), len(h.chain)+1)
	copy(chain, h.chain)
	return &deferredHandler{out: h.out, chain: append(chain, wrap)}
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var (
	levelVar = new(slog.LevelVar)
	output   atomic.Pointer[slog.Handler]
	root     = slog.New(&deferredHandler{out: &output})
)

func init() {
	install(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(root)
}

func install(h slog.Handler) { output.Store(&h) }

// Init installs the configured handler. format is "json" or "text"; level
// is debug, info, warn or error. A nil output logs to stderr.
func Init(format, level string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	SetLevel(level)

	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "json") {
		install(slog.NewJSONHandler(out, opts))
	} else {
		install(slog.NewTextHandler(out, opts))
	}
}

// SetLevel changes the level of every logger at runtime.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return root.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying the session correlation field.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String(KeySessionID, sessionID))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
