package logger

import (
	"context"
	"io"
	"log/slog"
)

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for different log levels
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showTime:    showTime,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "\033[36m" // Cyan
	case l < slog.LevelWarn:
		return "\033[32m" // Green
	case l < slog.LevelError:
		return "\033[33m" // Yellow
	default:
		return "\033[31m" // Red
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps coloring for derived loggers.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	th, _ := h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)
	return &ColorTextHandler{TextHandler: th, showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	th, _ := h.TextHandler.WithGroup(name).(*slog.TextHandler)
	return &ColorTextHandler{TextHandler: th, showTime: h.showTime}
}
