package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echoes the input back",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			{Name: "upper", Type: "boolean", Description: "Uppercase the output", Default: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			text := args["text"].(string)
			if up, ok := args["upper"].(bool); ok && up {
				return strings.ToUpper(text), nil
			}
			return text, nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("should register a valid tool", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoDefinition()))

		assert.Equal(t, 1, r.Count())
		assert.NotNil(t, r.Get("echo"))
		assert.Contains(t, r.List(), "echo")
	})

	t.Run("should reject a tool without a name", func(t *testing.T) {
		r := NewRegistry()
		def := echoDefinition()
		def.Name = ""

		assert.Error(t, r.Register(def))
	})

	t.Run("should reject a tool without a handler", func(t *testing.T) {
		r := NewRegistry()
		def := echoDefinition()
		def.Handler = nil

		assert.Error(t, r.Register(def))
	})

	t.Run("should remove a tool on unregister", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoDefinition()))

		r.Unregister("echo")

		assert.Nil(t, r.Get("echo"))
		assert.Equal(t, 0, r.Count())
	})
}

func TestRegistryValidateArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoDefinition()))

	t.Run("should accept valid arguments", func(t *testing.T) {
		args, err := r.ValidateArguments("echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", args["text"])
	})

	t.Run("should fill declared defaults", func(t *testing.T) {
		args, err := r.ValidateArguments("echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, false, args["upper"])
	})

	t.Run("should reject missing required arguments", func(t *testing.T) {
		_, err := r.ValidateArguments("echo", map[string]interface{}{})
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("should reject unknown arguments", func(t *testing.T) {
		_, err := r.ValidateArguments("echo", map[string]interface{}{"text": "hi", "bogus": 1})
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("should reject wrongly typed arguments", func(t *testing.T) {
		_, err := r.ValidateArguments("echo", map[string]interface{}{"text": 42})
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("should report unknown tools", func(t *testing.T) {
		_, err := r.ValidateArguments("missing", map[string]interface{}{})
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("should not mutate the caller's map", func(t *testing.T) {
		in := map[string]interface{}{"text": "hi"}
		_, err := r.ValidateArguments("echo", in)
		require.NoError(t, err)
		_, present := in["upper"]
		assert.False(t, present)
	})
}

func TestRegistryExecute(t *testing.T) {
	t.Run("should run the handler and return its output", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoDefinition()))

		res, err := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi", "upper": true}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "HI", res.Output)
		assert.False(t, res.Truncated)
	})

	t.Run("should surface handler errors", func(t *testing.T) {
		r := NewRegistry()
		boom := errors.New("boom")
		require.NoError(t, r.Register(Definition{
			Name: "failing",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return nil, boom
			},
		}))

		_, err := r.Execute(context.Background(), "failing", map[string]interface{}{}, time.Second)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("should fail on validation before running the handler", func(t *testing.T) {
		r := NewRegistry()
		called := false
		def := echoDefinition()
		def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		}
		require.NoError(t, r.Register(def))

		_, err := r.Execute(context.Background(), "echo", map[string]interface{}{}, time.Second)
		assert.ErrorIs(t, err, ErrInvalidArguments)
		assert.False(t, called)
	})

	t.Run("should time out slow handlers", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(Definition{
			Name: "slow",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				select {
				case <-time.After(5 * time.Second):
					return "late", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}))

		_, err := r.Execute(context.Background(), "slow", map[string]interface{}{}, 50*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("should truncate oversized output", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(Definition{
			Name: "big",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return strings.Repeat("x", 20*1024), nil
			},
		}))

		res, err := r.Execute(context.Background(), "big", map[string]interface{}{}, time.Second)
		require.NoError(t, err)
		assert.True(t, res.Truncated)
		assert.Contains(t, res.Output.(string), "[output truncated]")
	})

	t.Run("should report unknown tools", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Execute(context.Background(), "nope", map[string]interface{}{}, time.Second)
		assert.ErrorIs(t, err, ErrToolNotFound)
	})
}

func TestIdempotencyKey(t *testing.T) {
	t.Run("should be stable across map ordering and numeric form", func(t *testing.T) {
		a, err := IdempotencyKey("thread-1", 3, "echo", map[string]interface{}{"b": 2, "a": "x"})
		require.NoError(t, err)
		b, err := IdempotencyKey("thread-1", 3, "echo", map[string]interface{}{"a": "x", "b": 2.0})
		require.NoError(t, err)

		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("should differ across thread, step, tool and arguments", func(t *testing.T) {
		base, err := IdempotencyKey("thread-1", 3, "echo", map[string]interface{}{"a": "x"})
		require.NoError(t, err)

		otherThread, _ := IdempotencyKey("thread-2", 3, "echo", map[string]interface{}{"a": "x"})
		otherStep, _ := IdempotencyKey("thread-1", 4, "echo", map[string]interface{}{"a": "x"})
		otherTool, _ := IdempotencyKey("thread-1", 3, "fetch", map[string]interface{}{"a": "x"})
		otherArgs, _ := IdempotencyKey("thread-1", 3, "echo", map[string]interface{}{"a": "y"})

		assert.NotEqual(t, base, otherThread)
		assert.NotEqual(t, base, otherStep)
		assert.NotEqual(t, base, otherTool)
		assert.NotEqual(t, base, otherArgs)
	})
}
