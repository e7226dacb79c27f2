package model

import (
	"context"
	"fmt"
)

// Message is a single entry of thread history sent to the backend
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Request contains the parameters for a generation call
type Request struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Provider is the model backend contract. Generate produces one completion;
// GenerateK produces k independent samples for the same request and either
// returns all of them or fails as a unit.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
	GenerateK(ctx context.Context, req Request, k int) ([]string, error)
	Name() string
}

// Profile represents authentication credentials for a model backend
type Profile struct {
	Name     string `json:"name"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

// ProviderCreator creates providers from profiles.
type ProviderCreator interface {
	NewProvider(profile Profile) (Provider, error)
}

// ProviderFactory creates model providers
type ProviderFactory struct{}

// NewProvider creates a new provider based on the profile
func (f *ProviderFactory) NewProvider(profile Profile) (Provider, error) {
	switch profile.Name {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.Model), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Name)
	}
}

// generateParallel fans out k Generate calls and collects every sample.
// Partial batches are not returned: the first error fails the whole batch.
func generateParallel(ctx context.Context, p Provider, req Request, k int) ([]string, error) {
	if k < 1 {
		return nil, fmt.Errorf("sample count must be at least 1, got %d", k)
	}

	type sample struct {
		index int
		text  string
		err   error
	}

	results := make(chan sample, k)
	for i := 0; i < k; i++ {
		go func(index int) {
			text, err := p.Generate(ctx, req)
			results <- sample{index: index, text: text, err: err}
		}(i)
	}

	texts := make([]string, k)
	var firstErr error
	for i := 0; i < k; i++ {
		s := <-results
		if s.err != nil && firstErr == nil {
			firstErr = s.err
		}
		texts[s.index] = s.text
	}

	if firstErr != nil {
		return nil, fmt.Errorf("batch generation failed: %w", firstErr)
	}
	return texts, nil
}
