package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/archflow/archflow/pkg/errors"
)

// Registry maintains the set of registered tools and runs every
// invocation through the interceptor chain.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	chain *Chain
}

// NewRegistry creates a tool registry. A nil chain means tools run
// bare.
func NewRegistry(chain *Chain) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		chain: chain,
	}
}

// SetChain replaces the interceptor chain. In-flight invocations keep
// the chain they started with.
func (r *Registry) SetChain(chain *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chain = chain
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return &errors.ValidationError{Field: "tool", Message: "cannot register nil tool"}
	}
	name := tool.Name()
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "tool name cannot be empty"}
	}
	if tool.Schema() == nil {
		return &errors.ValidationError{
			Field:      "schema",
			Message:    fmt.Sprintf("tool schema cannot be nil: %s", name),
			Suggestion: "return at least an empty object schema from Schema()",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return &errors.ConflictError{Resource: "tool", ID: name, Reason: "already registered"}
	}
	r.tools[name] = tool
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return &errors.NotFoundError{Resource: "tool", ID: name}
	}
	delete(r.tools, name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}
	return tool, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
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

// Schemas returns schemas for all registered tools, keyed by name.
func (r *Registry) Schemas() map[string]*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make(map[string]*Schema, len(r.tools))
	for name, tool := range r.tools {
		schemas[name] = tool.Schema()
	}
	return schemas
}

// Execute runs a tool through the interceptor chain. flowID and stepID
// may be empty for calls outside a run.
func (r *Registry) Execute(ctx context.Context, flowID, stepID, name string, inputs map[string]any) (*Result, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if err := validateInputs(tool, inputs); err != nil {
		return nil, &errors.ValidationError{
			Field:      "inputs",
			Message:    fmt.Sprintf("input validation failed for tool %s: %v", name, err),
			Suggestion: "check the tool schema for required inputs and correct types",
		}
	}

	r.mu.RLock()
	chain := r.chain
	r.mu.RUnlock()

	invoke := func(ctx context.Context) (map[string]any, error) {
		return tool.Execute(ctx, inputs)
	}

	if chain == nil {
		output, err := invoke(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Output: output}, nil
	}

	inv := &Invocation{
		FlowID: flowID,
		StepID: stepID,
		Tool:   name,
		Input:  inputs,
	}
	return chain.Execute(ctx, inv, invoke)
}
