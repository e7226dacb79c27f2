package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextCarriers(t *testing.T) {
	t.Run("should round-trip trace and thread IDs", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		ctx = WithThreadID(ctx, "thread-1")

		assert.Equal(t, "trace-1", GetTraceID(ctx))
		assert.Equal(t, "thread-1", GetThreadID(ctx))
	})

	t.Run("should return empty strings for missing values", func(t *testing.T) {
		ctx := context.Background()
		assert.Empty(t, GetTraceID(ctx))
		assert.Empty(t, GetThreadID(ctx))
	})

	t.Run("should generate a trace ID for a new request context", func(t *testing.T) {
		ctx := NewRequestContext(context.Background())
		assert.NotEmpty(t, GetTraceID(ctx))
	})
}

func TestLoggerFromContext(t *testing.T) {
	t.Run("should attach IDs to logger fields", func(t *testing.T) {
		var buf bytes.Buffer
		base := zerolog.New(&buf)

		ctx := WithTraceID(context.Background(), "trace-9")
		ctx = WithThreadID(ctx, "thread-9")

		logger := LoggerFromContext(ctx, base)
		logger.Info().Msg("step")

		assert.Contains(t, buf.String(), `"trace_id":"trace-9"`)
		assert.Contains(t, buf.String(), `"thread_id":"thread-9"`)
	})
}
