// Package flow implements the execution core: the flow model, the
// engine that admits and drives runs, the execution manager that walks
// the step graph, the bounded parallel executor, and the state store
// with audit logging.
//
// A Flow is an immutable directed acyclic graph of steps. Each step is
// invoked through a uniform StepHandler regardless of its kind; the
// kind selects the handler but never affects scheduling. Guard
// expressions on connections use the expr-lang grammar (see the
// expression subpackage) evaluated against the run variables and step
// outputs.
package flow

import (
	"context"
	"time"
)

// StepKind identifies the adapter used to execute a step.
type StepKind string

const (
	KindAssistant StepKind = "ASSISTANT"
	KindAgent     StepKind = "AGENT"
	KindTool      StepKind = "TOOL"
	KindChain     StepKind = "CHAIN"
	KindCustom    StepKind = "CUSTOM"
)

// Flow is an immutable execution plan: an ordered set of steps plus
// configuration. Flows are validated once at registration and never
// mutated afterwards.
type Flow struct {
	// ID is the stable flow identifier
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable label
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description provides context about what the flow does
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Steps are the nodes of the graph
	Steps []*Step `json:"steps" yaml:"steps"`

	// Config holds run-level settings
	Config Configuration `json:"config" yaml:"config"`
}

// Step is a node in the flow graph.
type Step struct {
	// ID uniquely identifies the step within its flow
	ID string `json:"id" yaml:"id"`

	// Kind selects the adapter used to execute this step
	Kind StepKind `json:"kind" yaml:"kind"`

	// Name is a human-readable label
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Config is the adapter-specific configuration payload
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Connections are the outgoing edges of this step
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Connection is a directed edge between two steps.
type Connection struct {
	// SourceID is the step this edge leaves from
	SourceID string `json:"sourceId" yaml:"source_id"`

	// TargetID is the step this edge leads to
	TargetID string `json:"targetId" yaml:"target_id"`

	// Guard is an optional boolean expression; the edge fires only when
	// it is absent or evaluates true against the execution context
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`

	// ErrorPath marks this edge as the route taken when the source step
	// fails
	ErrorPath bool `json:"errorPath,omitempty" yaml:"error_path,omitempty"`
}

// RetryPolicy governs retries of failed steps whose error
// classification is retryable.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int `json:"maxAttempts" yaml:"max_attempts"`

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initial_backoff"`

	// Multiplier scales the backoff after each failed attempt
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// DefaultRetryPolicy returns the policy applied when a flow does not
// configure one.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Second,
		Multiplier:     2.0,
	}
}

// Configuration holds run-level settings for a flow.
type Configuration struct {
	// Timeout bounds the whole run; zero means no flow-level deadline
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retry is the per-flow retry policy; nil selects the default
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// MaxConcurrentSteps bounds parallel-region concurrency; zero
	// selects DefaultParallelConcurrency
	MaxConcurrentSteps int `json:"maxConcurrentSteps,omitempty" yaml:"max_concurrent_steps,omitempty"`

	// FailFast selects the parallel-region failure policy: true cancels
	// remaining work on the first fatal error (any-fatal), false lets
	// every branch finish and aggregates (all-fatal)
	FailFast bool `json:"failFast,omitempty" yaml:"fail_fast,omitempty"`
}

// ExecContext is the per-run view handed to step handlers. Handlers
// receive a copy of the variables map; mutations flow back only through
// the returned StepResult.
type ExecContext struct {
	// FlowID identifies the run
	FlowID string

	// StepID identifies the step being executed
	StepID string

	// Variables is a snapshot of the run variables
	Variables map[string]any

	// StepOutputs maps completed step ids to their outputs
	StepOutputs map[string]map[string]any

	// LastOutput is the output of the most recently completed step on
	// this path
	LastOutput map[string]any
}

// clone produces an independent copy so parallel handlers cannot
// interfere through shared maps.
func (c *ExecContext) clone() *ExecContext {
	cp := &ExecContext{
		FlowID:      c.FlowID,
		StepID:      c.StepID,
		Variables:   make(map[string]any, len(c.Variables)),
		StepOutputs: make(map[string]map[string]any, len(c.StepOutputs)),
		LastOutput:  c.LastOutput,
	}
	for k, v := range c.Variables {
		cp.Variables[k] = v
	}
	for k, v := range c.StepOutputs {
		cp.StepOutputs[k] = v
	}
	return cp
}

// StepHandler executes steps of one kind. Implementations must honor
// context cancellation and return either a StepResult or an error;
// returning both nil result and nil error is a contract violation.
type StepHandler interface {
	// Execute runs the step against the execution context.
	Execute(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error)
}

// HandlerFunc adapts a function to the StepHandler interface.
type HandlerFunc func(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error)

// Execute implements StepHandler.
func (f HandlerFunc) Execute(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
	return f(ctx, step, ec)
}

// step lookup helpers

func (f *Flow) step(id string) *Step {
	for _, s := range f.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// connections returns every edge in the flow.
func (f *Flow) connections() []Connection {
	var edges []Connection
	for _, s := range f.Steps {
		for _, c := range s.Connections {
			edge := c
			if edge.SourceID == "" {
				edge.SourceID = s.ID
			}
			edges = append(edges, edge)
		}
	}
	return edges
}

// sources returns the steps with no incoming edges.
func (f *Flow) sources() []*Step {
	hasIncoming := make(map[string]bool)
	for _, edge := range f.connections() {
		hasIncoming[edge.TargetID] = true
	}
	var roots []*Step
	for _, s := range f.Steps {
		if !hasIncoming[s.ID] {
			roots = append(roots, s)
		}
	}
	return roots
}
