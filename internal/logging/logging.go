// Package logging configures the process-wide slog logger and hands out
// per-component loggers that follow later reconfiguration.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar) // supports runtime changes via SetLevel

// Init configures the global slog logger to write to stderr.
// levelStr: "debug", "info", "warn", "error" (default: "info").
// format: "text" or "json" (default: "text").
func Init(levelStr, format string) {
	InitWriter(os.Stderr, levelStr, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, levelStr, format string) {
	l, err := ParseLevel(levelStr)
	if err != nil {
		l = slog.LevelInfo
	}
	level.Set(l)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// For returns a logger tagged with the given component name.
// The returned logger delegates to slog.Default() on every call, so
// package-level loggers follow Init and CaptureForTest.
func For(component string) *slog.Logger {
	return slog.New(&dynamicHandler{component: component})
}

// SetLevel changes the log level at runtime. Useful in tests.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current log level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps a level name to a slog level. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// dynamicHandler delegates each log call to slog.Default().Handler(),
// adding a "component" attribute and replaying any WithAttrs/WithGroup
// calls made on the derived logger.
type dynamicHandler struct {
	component string
	wrap      func(slog.Handler) slog.Handler
}

func (h *dynamicHandler) target() slog.Handler {
	base := slog.Default().Handler()
	if h.wrap != nil {
		base = h.wrap(base)
	}
	return base
}

func (h *dynamicHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))
	return h.target().Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.chain(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.chain(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *dynamicHandler) chain(step func(slog.Handler) slog.Handler) *dynamicHandler {
	prev := h.wrap
	return &dynamicHandler{
		component: h.component,
		wrap: func(base slog.Handler) slog.Handler {
			if prev != nil {
				base = prev(base)
			}
			return step(base)
		},
	}
}
