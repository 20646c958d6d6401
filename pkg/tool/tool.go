// Package tool provides the tool registry and the interceptor chain
// that wraps every tool invocation.
//
// Tools are discrete functions invoked by flow steps. Each tool has a
// name, a schema defining its inputs and outputs, and an execution
// function. Cross-cutting behavior (logging, guardrails, caching,
// metrics, tracing) attaches through ordered interceptors rather than
// inside tool bodies.
package tool

import (
	"context"
	"fmt"
)

// Tool represents an executable tool available to flow steps.
type Tool interface {
	// Name returns the unique identifier for this tool
	Name() string

	// Description returns a human-readable description of what the tool does
	Description() string

	// Schema returns the JSON schema defining the tool's inputs and outputs
	Schema() *Schema

	// Execute runs the tool with the given inputs and returns outputs
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Schema defines the input and output schema for a tool using JSON
// Schema conventions.
type Schema struct {
	// Inputs defines the expected input parameters
	Inputs *ParameterSchema `json:"inputs"`

	// Outputs defines the structure of returned data
	Outputs *ParameterSchema `json:"outputs"`
}

// ParameterSchema defines a set of parameters.
type ParameterSchema struct {
	// Type is the JSON type (e.g., "object", "string", "number")
	Type string `json:"type"`

	// Properties defines nested properties (for type="object")
	Properties map[string]*Property `json:"properties,omitempty"`

	// Required lists the required property names
	Required []string `json:"required,omitempty"`

	// Description provides human-readable context
	Description string `json:"description,omitempty"`
}

// Property defines a single property in a parameter schema.
type Property struct {
	// Type is the JSON type of this property
	Type string `json:"type"`

	// Description explains what this property represents
	Description string `json:"description,omitempty"`

	// Enum lists allowed values
	Enum []any `json:"enum,omitempty"`

	// Default provides a default value if not specified
	Default any `json:"default,omitempty"`

	// Format specifies a format hint (e.g., "uri", "email", "date-time")
	Format string `json:"format,omitempty"`
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName    string
	ToolDesc    string
	ToolSchema  *Schema
	ExecuteFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Description implements Tool.
func (f *Func) Description() string { return f.ToolDesc }

// Schema implements Tool.
func (f *Func) Schema() *Schema {
	if f.ToolSchema != nil {
		return f.ToolSchema
	}
	return &Schema{Inputs: &ParameterSchema{Type: "object"}}
}

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f.ExecuteFunc(ctx, inputs)
}

// validateInputs checks required fields against a tool's schema.
func validateInputs(tool Tool, inputs map[string]any) error {
	schema := tool.Schema()
	if schema == nil || schema.Inputs == nil {
		return nil
	}
	for _, required := range schema.Inputs.Required {
		if _, exists := inputs[required]; !exists {
			return fmt.Errorf("required input missing: %s", required)
		}
	}
	return nil
}
