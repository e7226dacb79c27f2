package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/keel/internal/observability"
)

var (
	// ErrToolNotFound is returned when a tool name has no registration.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments is returned when arguments fail schema validation.
	// Callers must treat this as a structural failure, not a transient one.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Parameter defines a single argument accepted by a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition describes a tool's contract and its handler.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Result carries the outcome of a successful tool execution.
type Result struct {
	Output    interface{}   `json:"output,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Registry holds tool definitions together with their compiled schemas.
// Arguments are always validated against the schema before execution so
// that equal argument sets canonicalize to the same idempotency key.
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool to the registry, compiling its parameter schema.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition requires a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// Get returns a tool definition by name, or nil when unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// ValidateArguments checks args against the tool's compiled schema and
// applies declared defaults for absent optional parameters. The returned
// map is a copy; the input is never mutated.
func (r *Registry) ValidateArguments(name string, args map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	def := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	filled := make(map[string]interface{}, len(args))
	for k, v := range args {
		filled[k] = v
	}
	for _, param := range def.Parameters {
		if _, ok := filled[param.Name]; !ok && param.Default != nil {
			filled[param.Name] = param.Default
		}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(filled))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, details)
	}

	return filled, nil
}

// Execute validates args and runs the tool handler under the given timeout.
// A zero timeout falls back to 30 seconds.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) (*Result, error) {
	startTime := time.Now()

	r.mu.RLock()
	def := r.tools[name]
	r.mu.RUnlock()

	if def == nil {
		log.Error().Str("tool", name).Msg("Tool not found")
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	validated, err := r.ValidateArguments(name, args)
	if err != nil {
		log.Error().Str("tool", name).Err(err).Msg("Argument validation failed")
		observability.RecordToolExecution(name, time.Since(startTime), false)
		return nil, err
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug().Str("tool", name).Msg("Executing tool")

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		output, err := def.Handler(timeoutCtx, validated)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		duration := time.Since(startTime)
		truncatedOut, truncated := truncateOutput(output)

		log.Debug().
			Str("tool", name).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		observability.RecordToolExecution(name, duration, true)

		return &Result{Output: truncatedOut, Truncated: truncated, Duration: duration}, nil

	case err := <-errChan:
		duration := time.Since(startTime)

		log.Error().
			Str("tool", name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(name, duration, false)

		return nil, fmt.Errorf("tool %s failed: %w", name, err)

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)

		log.Error().
			Str("tool", name).
			Dur("duration", duration).
			Msg("Tool execution timed out")
		observability.RecordToolExecution(name, duration, false)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s cancelled: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("tool %s timed out after %s: %w", name, timeout, context.DeadlineExceeded)
	}
}

// compileSchema builds a JSON Schema from the tool's declared parameters.
func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// truncateOutput caps oversized tool output so checkpoints stay small.
func truncateOutput(output interface{}) (interface{}, bool) {
	const maxSize = 10 * 1024

	str, ok := output.(string)
	if !ok {
		str = fmt.Sprintf("%v", output)
		if len(str) <= maxSize {
			return output, false
		}
	}
	if len(str) <= maxSize {
		return output, false
	}

	log.Warn().Int("original", len(str)).Msg("Tool output truncated")
	return str[:maxSize] + "\n... [output truncated]", true
}
