package flow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/pkg/errors"
)

// Definition is the YAML representation of a flow. It exists so flows
// can be authored as files; Compile turns a definition into a validated
// immutable Flow.
type Definition struct {
	// ID is the flow identifier
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable label
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description provides context about the flow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps are the nodes of the graph
	Steps []StepDefinition `yaml:"steps" json:"steps"`

	// TimeoutSeconds bounds the whole run (0 = no deadline)
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// Retry configures the per-flow retry policy
	Retry *RetryDefinition `yaml:"retry,omitempty" json:"retry,omitempty"`

	// MaxConcurrentSteps bounds parallel-region concurrency
	MaxConcurrentSteps int `yaml:"max_concurrent_steps,omitempty" json:"max_concurrent_steps,omitempty"`

	// FailFast selects the parallel failure policy (default true)
	FailFast *bool `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
}

// StepDefinition is the YAML representation of one step.
type StepDefinition struct {
	ID          string                 `yaml:"id" json:"id"`
	Kind        string                 `yaml:"kind" json:"kind"`
	Name        string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Config      map[string]any         `yaml:"config,omitempty" json:"config,omitempty"`
	Connections []ConnectionDefinition `yaml:"connections,omitempty" json:"connections,omitempty"`
}

// ConnectionDefinition is the YAML representation of one edge.
type ConnectionDefinition struct {
	Target    string `yaml:"target" json:"target"`
	Guard     string `yaml:"guard,omitempty" json:"guard,omitempty"`
	ErrorPath bool   `yaml:"error_path,omitempty" json:"error_path,omitempty"`
}

// RetryDefinition is the YAML representation of a retry policy.
type RetryDefinition struct {
	MaxAttempts    int     `yaml:"max_attempts" json:"max_attempts"`
	BackoffSeconds float64 `yaml:"backoff_seconds,omitempty" json:"backoff_seconds,omitempty"`
	Multiplier     float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
}

// ParseDefinition parses a YAML flow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:      "definition",
			Message:    fmt.Sprintf("invalid YAML: %v", err),
			Suggestion: "check the flow definition syntax",
		}
	}
	return &def, nil
}

// LoadDefinition reads and parses a YAML flow definition from disk.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "definition",
			Reason: fmt.Sprintf("cannot read %s", path),
			Cause:  err,
		}
	}
	return ParseDefinition(data)
}

// Compile converts the definition into a validated Flow.
func (d *Definition) Compile() (*Flow, error) {
	f := &Flow{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Config: Configuration{
			Timeout:            time.Duration(d.TimeoutSeconds) * time.Second,
			MaxConcurrentSteps: d.MaxConcurrentSteps,
			FailFast:           true,
		},
	}
	if d.FailFast != nil {
		f.Config.FailFast = *d.FailFast
	}
	if d.Retry != nil {
		f.Config.Retry = &RetryPolicy{
			MaxAttempts:    d.Retry.MaxAttempts,
			InitialBackoff: time.Duration(d.Retry.BackoffSeconds * float64(time.Second)),
			Multiplier:     d.Retry.Multiplier,
		}
		if f.Config.Retry.Multiplier == 0 {
			f.Config.Retry.Multiplier = 2.0
		}
	}

	for _, sd := range d.Steps {
		step := &Step{
			ID:     sd.ID,
			Kind:   StepKind(sd.Kind),
			Name:   sd.Name,
			Config: sd.Config,
		}
		for _, cd := range sd.Connections {
			step.Connections = append(step.Connections, Connection{
				SourceID:  sd.ID,
				TargetID:  cd.Target,
				Guard:     cd.Guard,
				ErrorPath: cd.ErrorPath,
			})
		}
		f.Steps = append(f.Steps, step)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
