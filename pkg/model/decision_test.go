package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	t.Run("should treat plain text as a final answer", func(t *testing.T) {
		d, err := ParseDecision("The capital of France is Paris.")
		require.NoError(t, err)

		assert.Equal(t, DecisionFinal, d.Kind)
		assert.Equal(t, "The capital of France is Paris.", d.Answer)
		assert.Equal(t, 1.0, d.Confidence)
	})

	t.Run("should parse a final payload", func(t *testing.T) {
		d, err := ParseDecision(`{"type": "final", "answer": "42", "confidence": 0.9}`)
		require.NoError(t, err)

		assert.Equal(t, DecisionFinal, d.Kind)
		assert.Equal(t, "42", d.Answer)
		assert.Equal(t, 0.9, d.Confidence)
	})

	t.Run("should accept content as the answer field", func(t *testing.T) {
		d, err := ParseDecision(`{"type": "final", "content": "done"}`)
		require.NoError(t, err)
		assert.Equal(t, "done", d.Answer)
	})

	t.Run("should parse a tool call payload", func(t *testing.T) {
		d, err := ParseDecision(`{"type": "tool_call", "name": "web_search", "arguments": {"query": "go 1.24"}}`)
		require.NoError(t, err)

		assert.Equal(t, DecisionToolCall, d.Kind)
		assert.Equal(t, "web_search", d.ToolName)
		assert.Equal(t, "go 1.24", d.Arguments["query"])
	})

	t.Run("should default missing arguments to empty object", func(t *testing.T) {
		d, err := ParseDecision(`{"type": "tool_call", "name": "list_files"}`)
		require.NoError(t, err)
		assert.NotNil(t, d.Arguments)
	})

	t.Run("should reject empty output", func(t *testing.T) {
		_, err := ParseDecision("   ")
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("should reject invalid JSON payload", func(t *testing.T) {
		_, err := ParseDecision(`{"type": "final", "answer": `)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("should reject unknown discriminator", func(t *testing.T) {
		_, err := ParseDecision(`{"type": "shrug"}`)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("should reject tool call without a name", func(t *testing.T) {
		_, err := ParseDecision(`{"type": "tool_call", "arguments": {}}`)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("should reject out-of-range confidence", func(t *testing.T) {
		_, err := ParseDecision(`{"type": "final", "answer": "x", "confidence": 1.4}`)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})
}

func TestProviderFactory(t *testing.T) {
	factory := &ProviderFactory{}

	t.Run("should create anthropic provider", func(t *testing.T) {
		p, err := factory.NewProvider(Profile{Name: "anthropic", APIKey: "key"})
		require.NoError(t, err)
		assert.Equal(t, "anthropic", p.Name())
	})

	t.Run("should create openai provider", func(t *testing.T) {
		p, err := factory.NewProvider(Profile{Name: "openai", APIKey: "key"})
		require.NoError(t, err)
		assert.Equal(t, "openai", p.Name())
	})

	t.Run("should reject unsupported provider", func(t *testing.T) {
		_, err := factory.NewProvider(Profile{Name: "gemini", APIKey: "key"})
		assert.Error(t, err)
	})
}
