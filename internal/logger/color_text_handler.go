package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler renders records with slog's text format and prefixes each
// line with its level in ANSI color. Used for the "color" log format.
type ColorTextHandler struct {
	inner    slog.Handler
	colorize bool

	mu  *sync.Mutex
	w   io.Writer
	buf *bytes.Buffer
}

// NewColorTextHandler writes to w; colorize=false keeps the level prefix
// without escape codes.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, colorize bool) *ColorTextHandler {
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		inner:    slog.NewTextHandler(buf, opts),
		colorize: colorize,
		mu:       &sync.Mutex{},
		w:        w,
		buf:      buf,
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	prefix := r.Level.String()
	if h.colorize {
		color, ok := levelColors[r.Level]
		if !ok {
			color = ansiReset
		}
		prefix = color + prefix + ansiReset
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, len(prefix)+1+h.buf.Len())
	line = append(line, prefix...)
	line = append(line, ' ')
	line = append(line, h.buf.Bytes()...)
	_, err := h.w.Write(line)
	return err
}

// WithAttrs and WithGroup share the writer and buffer so component loggers
// built with With(...) stay colored.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.inner = h.inner.WithGroup(name)
	return &c
}
