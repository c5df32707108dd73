package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var globalLevel = new(slog.LevelVar)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	globalLevel.Set(ParseLevel(levelStr))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch globalLevel.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level. Unknown values mean debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// ValidLevel reports whether s names a level ParseLevel understands.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// output is shared by a handler and every handler derived from it through
// WithAttrs, so writes stay serialized.
type output struct {
	mu   sync.Mutex
	outs []io.Writer
}

// customHandler writes "[15:04:05] [LEVEL] message key=value" lines.
type customHandler struct {
	out   *output
	attrs []slog.Attr
	group string
}

// Handle implements slog.Handler
func (h *customHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < globalLevel.Level() {
		return nil
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)

	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(a.Value.Resolve().String())
	}
	for _, a := range h.attrs {
		write(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	b.WriteString("\n")

	line := []byte(b.String())
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	for _, w := range h.out.outs {
		if w != nil {
			_, _ = w.Write(line)
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &customHandler{out: h.out, attrs: merged, group: h.group}
}

// WithGroup implements slog.Handler
func (h *customHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &customHandler{out: h.out, attrs: h.attrs, group: group}
}

// Enabled implements slog.Handler
func (h *customHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= globalLevel.Level()
}

// New returns a logger writing to outputs, filtered by the global level.
func New(outputs ...io.Writer) *slog.Logger {
	return slog.New(&customHandler{out: &output{outs: outputs}})
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(New(outputs...))
}
