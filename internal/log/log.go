package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored in a context by ContextAttrs to
// every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	// copy, so sibling contexts do not share the backing array
	a = append(a[:len(a):len(a)], attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// RunAttrs are the attributes every log line of a pipeline run carries.
func RunAttrs(ctx context.Context, runID, ref string) context.Context {
	return ContextAttrs(ctx, slog.Group("run",
		slog.String("id", runID),
		slog.String("ref", ref),
	))
}

// Output opens the log destination: stderr, stdout, discard or a file path.
// The returned closer is a no-op for the standard streams.
func Output(dest string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch dest {
	case "", "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	case "discard":
		return io.Discard, noop, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, f.Close, nil
}

func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	return slog.New(NewContextHandler(base))
}
