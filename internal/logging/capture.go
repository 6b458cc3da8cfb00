package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Capture holds the records logged while it is installed.
type Capture struct {
	mu        sync.Mutex
	records   []slog.Record
	prev      *slog.Logger
	prevLevel slog.Level
}

// CaptureForTest routes every component logger into a Capture at debug
// level. Restore undoes it.
func CaptureForTest() *Capture {
	c := &Capture{
		prev:      slog.Default(),
		prevLevel: level.Level(),
	}
	slog.SetDefault(slog.New(&captureHandler{capture: c}))
	SetLevel(slog.LevelDebug)
	return c
}

// Restore reinstates the previous default logger and level.
func (c *Capture) Restore() {
	slog.SetDefault(c.prev)
	level.Set(c.prevLevel)
}

// Has reports whether a record at lvl contains msgSubstring.
func (c *Capture) Has(lvl slog.Level, msgSubstring string) bool {
	return c.match(func(r slog.Record) bool {
		return r.Level == lvl && strings.Contains(r.Message, msgSubstring)
	})
}

// HasAttr reports whether a record whose message contains msgSubstring
// carries key=value. Attributes added with Logger.With count.
func (c *Capture) HasAttr(msgSubstring, key, value string) bool {
	return c.match(func(r slog.Record) bool {
		if !strings.Contains(r.Message, msgSubstring) {
			return false
		}
		found := false
		r.Attrs(func(a slog.Attr) bool {
			found = a.Key == key && a.Value.String() == value
			return !found
		})
		return found
	})
}

func (c *Capture) match(fn func(slog.Record) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if fn(r) {
			return true
		}
	}
	return false
}

// captureHandler appends records to a Capture. Groups are flattened.
type captureHandler struct {
	capture *Capture
	attrs   []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	if len(h.attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(h.attrs...)
	}
	h.capture.mu.Lock()
	h.capture.records = append(h.capture.records, r)
	h.capture.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{
		capture: h.capture,
		attrs:   append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
