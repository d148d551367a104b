package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const colorReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

// ColorTextHandler prefixes each message with an ANSI colored level tag.
type ColorTextHandler struct {
	inner    slog.Handler
	showTime bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	return &ColorTextHandler{inner: slog.NewTextHandler(w, opts), showTime: showTime}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	code, ok := levelColors[r.Level]
	if !ok {
		code = colorReset
	}
	r.Message = code + r.Level.String() + colorReset + "  " + r.Message
	if !h.showTime {
		r.Time = time.Time{}
	}
	return h.inner.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), showTime: h.showTime}
}
