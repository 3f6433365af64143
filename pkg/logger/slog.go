package logger

import (
	"context"
	"log/slog"
)

// NewSlogLoggerWithHandler bridges a scoped logger into a *slog.Logger so it
// can be handed to libraries that expect slog (the MCP SDK server options).
func NewSlogLoggerWithHandler(l *Logger) *slog.Logger {
	return slog.New(&scopedHandler{l: l})
}

type scopedHandler struct {
	l     *Logger
	attrs []slog.Attr
}

func (h *scopedHandler) Enabled(_ context.Context, level slog.Level) bool {
	// Warnings and errors always flow to the file sinks; debug/info only
	// when the scope is enabled.
	return level >= slog.LevelWarn || h.l.Enabled()
}

func (h *scopedHandler) Handle(_ context.Context, r slog.Record) error {
	line := r.Message
	appendAttr := func(a slog.Attr) bool {
		line += " " + a.Key + "=" + a.Value.String()
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(appendAttr)
	switch {
	case r.Level >= slog.LevelError:
		h.l.Errorf("%s", line)
	case r.Level >= slog.LevelWarn:
		h.l.Warnf("%s", line)
	default:
		h.l.Print(line)
	}
	return nil
}

func (h *scopedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &scopedHandler{l: h.l, attrs: merged}
}

func (h *scopedHandler) WithGroup(string) slog.Handler { return h }
