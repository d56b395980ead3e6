package logger_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luno/durable/internal/logger"
)

func TestLoggerDebug(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf)

	log.Debug(t.Context(), "session released", map[string]string{
		"leftover":     "2",
		"instance_id":  "wf-1",
		"execution_id": "g1",
	})

	require.Contains(t, buf.String(),
		`"level":"DEBUG","msg":"session released","execution_id":"g1","instance_id":"wf-1","leftover":"2"}`)
}

func TestLoggerDebugWithoutMeta(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf)

	log.Debug(t.Context(), "started listening for messages", nil)

	require.Contains(t, buf.String(), `"level":"DEBUG","msg":"started listening for messages"}`)
}

func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf)

	log.Error(t.Context(), errors.New("prefetch failed"))

	require.Contains(t, buf.String(), `"level":"ERROR","msg":"prefetch failed"`)
}
