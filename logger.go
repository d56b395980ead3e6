package durable

import "context"

type Logger interface {
	// Debug will be used by the session manager and dispatcher for debug logs when in debug mode.
	Debug(ctx context.Context, msg string, meta map[string]string)
	// Error is used when writing errors to the logs.
	Error(ctx context.Context, err error)
}

// logger wraps the user provided Logger and only forwards debug logs when debug mode is enabled.
type logger struct {
	debugMode bool
	inner     Logger
}

func (l *logger) Debug(ctx context.Context, msg string, meta map[string]string) {
	if !l.debugMode {
		return
	}

	l.inner.Debug(ctx, msg, meta)
}

func (l *logger) Error(ctx context.Context, err error) {
	l.inner.Error(ctx, err)
}

// Warn is for situations which are not errors but are unexpected. They are always written.
func (l *logger) Warn(ctx context.Context, msg string, meta map[string]string) {
	l.inner.Debug(ctx, msg, meta)
}

var _ Logger = (*logger)(nil)
