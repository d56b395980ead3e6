package logger

import (
	"context"
	"io"
	"log/slog"
	"sort"
)

type logger struct {
	log *slog.Logger
}

func (l logger) Debug(ctx context.Context, msg string, meta map[string]string) {
	l.log.DebugContext(ctx, msg, attrs(meta)...)
}

func (l logger) Error(ctx context.Context, err error) {
	l.log.ErrorContext(ctx, err.Error())
}

// New returns a JSON logger. Meta entries are written as top level attributes, sorted by key, so that fields
// such as instance_id can be filtered on directly.
func New(w io.Writer) *logger {
	// LevelDebug is set by default as debug output is gated by the durable package's debug mode.
	opts := slog.HandlerOptions{
		Level: slog.LevelDebug,
	}

	return &logger{
		log: slog.New(slog.NewJSONHandler(w, &opts)),
	}
}

func attrs(meta map[string]string) []any {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.String(k, meta[k]))
	}

	return out
}
