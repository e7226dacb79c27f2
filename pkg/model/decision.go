package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput marks backend output that attempted the structured
// payload but failed to parse or validate. It is a structural error and
// must never be retried.
var ErrMalformedOutput = errors.New("malformed model output")

// DecisionKind discriminates the backend's structured payload
type DecisionKind string

const (
	// DecisionFinal means the generation is a final answer
	DecisionFinal DecisionKind = "final"
	// DecisionToolCall means the generation requests a tool invocation
	DecisionToolCall DecisionKind = "tool_call"
)

// Decision is the classified outcome of one planning generation
type Decision struct {
	Kind       DecisionKind           `json:"kind"`
	Answer     string                 `json:"answer,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Confidence float64                `json:"confidence"`
}

// rawDecision mirrors the discriminated payload the backend is expected to emit
type rawDecision struct {
	Type       string                 `json:"type"`
	Answer     string                 `json:"answer"`
	Content    string                 `json:"content"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments"`
	Confidence *float64               `json:"confidence"`
}

// ParseDecision classifies a raw generation as a final answer or a tool call.
// Plain text is a final answer. Output that looks like the structured payload
// but fails to parse or validate is ErrMalformedOutput.
func ParseDecision(output string) (*Decision, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty generation", ErrMalformedOutput)
	}

	if !strings.HasPrefix(trimmed, "{") {
		return &Decision{
			Kind:       DecisionFinal,
			Answer:     trimmed,
			Confidence: 1.0,
		}, nil
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	confidence := 1.0
	if raw.Confidence != nil {
		if *raw.Confidence < 0 || *raw.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformedOutput, *raw.Confidence)
		}
		confidence = *raw.Confidence
	}

	switch raw.Type {
	case "final", "answer":
		answer := raw.Answer
		if answer == "" {
			answer = raw.Content
		}
		if answer == "" {
			return nil, fmt.Errorf("%w: final payload has no answer", ErrMalformedOutput)
		}
		return &Decision{
			Kind:       DecisionFinal,
			Answer:     answer,
			Confidence: confidence,
		}, nil

	case "tool_call", "tool":
		if raw.Name == "" {
			return nil, fmt.Errorf("%w: tool_call payload has no name", ErrMalformedOutput)
		}
		args := raw.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		return &Decision{
			Kind:       DecisionToolCall,
			ToolName:   raw.Name,
			Arguments:  args,
			Confidence: confidence,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown payload type %q", ErrMalformedOutput, raw.Type)
	}
}
