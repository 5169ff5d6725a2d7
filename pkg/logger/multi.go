package logger

import (
	"context"
	"log/slog"
)

// multiHandler fans out log records to several slog.Handler instances.
// Pipeline commands use it to write console output to stderr and JSON
// to a log file at the same time.
type multiHandler struct {
	handlers []slog.Handler
}

// Multi creates a *slog.Logger that dispatches every record to the handlers
// of all provided loggers. Nil loggers are ignored.
func Multi(loggers ...*slog.Logger) *slog.Logger {
	handlers := make([]slog.Handler, 0, len(loggers))
	for _, l := range loggers {
		if l == nil {
			continue
		}
		handlers = append(handlers, l.Handler())
	}
	return slog.New(&multiHandler{handlers: handlers})
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards r to every enabled handler. All handlers are tried; the
// first error is returned.
func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *multiHandler) derive(fn func(slog.Handler) slog.Handler) slog.Handler {
	children := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		children[i] = fn(h)
	}
	return &multiHandler{handlers: children}
}
