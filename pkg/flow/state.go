package flow

import (
	"time"

	"github.com/archflow/archflow/pkg/errors"
)

// State is the mutable run-scoped record persisted by the state store.
// All mutations go through the StateManager; readers always receive a
// deep copy.
type State struct {
	// FlowID identifies the run
	FlowID string `json:"flowId"`

	// Status is the lifecycle state
	Status Status `json:"status"`

	// CurrentStepID is the most recently dispatched step
	CurrentStepID string `json:"currentStepId,omitempty"`

	// Variables holds the run's named values, seeded from the input and
	// merged from step outputs
	Variables map[string]any `json:"variables,omitempty"`

	// StepOutputs preserves completed step outputs for guard evaluation,
	// including across suspend/resume
	StepOutputs map[string]map[string]any `json:"stepOutputs,omitempty"`

	// Paths tracks the execution tree, keyed by path id
	Paths map[string]*PathNode `json:"paths,omitempty"`

	// RootPathID identifies the root of the execution tree
	RootPathID string `json:"rootPathId,omitempty"`

	// Metrics aggregates run counters
	Metrics Metrics `json:"metrics"`

	// Error is the fatal error for FAILED runs
	Error *errors.ExecutionError `json:"error,omitempty"`
}

// NewState creates a run state in status INITIALIZED with variables
// seeded from input.
func NewState(flowID string, input map[string]any) *State {
	vars := make(map[string]any, len(input))
	for k, v := range input {
		vars[k] = v
	}
	return &State{
		FlowID:    flowID,
		Status:    StatusInitialized,
		Variables: vars,
		Paths:     make(map[string]*PathNode),
		Metrics:   Metrics{StartedAt: time.Now()},
	}
}

// PathNode is one branch of the execution tree. Nodes are stored by
// value in the state's path index; parent/child relations are resolved
// through ids, so deep-copying the state never walks pointers.
type PathNode struct {
	// ID is the path identifier
	ID string `json:"id"`

	// ParentID is the id of the parent path; empty for the root
	ParentID string `json:"parentId,omitempty"`

	// Status is the path lifecycle state
	Status PathStatus `json:"status"`

	// CompletedSteps is the ordered list of step ids finished on this path
	CompletedSteps []string `json:"completedSteps,omitempty"`

	// ChildIDs identify child paths spawned for a parallel region
	ChildIDs []string `json:"childIds,omitempty"`
}

// Metrics aggregates counters for a run. Aggregation is monotonic:
// counters only grow and timestamps are set once.
type Metrics struct {
	// StartedAt is the run start wall time
	StartedAt time.Time `json:"startedAt"`

	// EndedAt is the run end wall time, set once at termination
	EndedAt time.Time `json:"endedAt,omitzero"`

	// TotalSteps is the number of steps in the flow
	TotalSteps int `json:"totalSteps"`

	// CompletedSteps counts steps that reached a terminal step status
	CompletedSteps int `json:"completedSteps"`

	// Steps holds per-step metrics keyed by step id
	Steps map[string]*StepMetrics `json:"steps,omitempty"`
}

// StepMetrics records timing and attempts for one step.
type StepMetrics struct {
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt,omitzero"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

// StepResult is the immutable outcome of one step execution.
type StepResult struct {
	// StepID is the id of the executed step
	StepID string `json:"stepId"`

	// Status is the terminal step status
	Status StepStatus `json:"status"`

	// Output contains the step's output data
	Output map[string]any `json:"output,omitempty"`

	// Metrics records timing and attempts
	Metrics StepMetrics `json:"metrics"`

	// Errors lists the errors recorded across attempts
	Errors []*errors.ExecutionError `json:"errors,omitempty"`
}

// Failed reports whether the step ended in a failure status.
func (r *StepResult) Failed() bool {
	return r.Status == StepFailed || r.Status == StepTimeout
}

// Result is the outcome of a flow run returned to the caller.
type Result struct {
	// FlowID identifies the run
	FlowID string `json:"flowId"`

	// Status is the final (or suspension) status
	Status Status `json:"status"`

	// Output carries the run variables at termination
	Output map[string]any `json:"output,omitempty"`

	// Metrics aggregates run counters
	Metrics Metrics `json:"metrics"`

	// Errors lists the errors recorded during the run
	Errors []*errors.ExecutionError `json:"errors,omitempty"`
}

// AuditEntry is an immutable snapshot written to the audit log. The
// embedded state is deep-copied at append time, so later mutations
// never alter history.
type AuditEntry struct {
	// FlowID identifies the run
	FlowID string `json:"flowId"`

	// Timestamp orders the log
	Timestamp time.Time `json:"timestamp"`

	// State is the deep-copied run state at snapshot time
	State *State `json:"state"`

	// StepID is set for step-boundary snapshots
	StepID string `json:"stepId,omitempty"`

	// StepResult is set for step-boundary snapshots
	StepResult *StepResult `json:"stepResult,omitempty"`
}

// DeepCopy produces a fully independent copy of the state. Variable
// values are copied structurally for maps and slices; other values are
// treated as immutable.
func (s *State) DeepCopy() *State {
	if s == nil {
		return nil
	}
	cp := &State{
		FlowID:        s.FlowID,
		Status:        s.Status,
		CurrentStepID: s.CurrentStepID,
		RootPathID:    s.RootPathID,
		Metrics:       s.Metrics.deepCopy(),
		Error:         s.Error,
	}
	if s.Variables != nil {
		cp.Variables = deepCopyMap(s.Variables)
	}
	if s.StepOutputs != nil {
		cp.StepOutputs = make(map[string]map[string]any, len(s.StepOutputs))
		for id, out := range s.StepOutputs {
			cp.StepOutputs[id] = deepCopyMap(out)
		}
	}
	if s.Paths != nil {
		cp.Paths = make(map[string]*PathNode, len(s.Paths))
		for id, node := range s.Paths {
			cp.Paths[id] = node.deepCopy()
		}
	}
	return cp
}

func (n *PathNode) deepCopy() *PathNode {
	cp := &PathNode{
		ID:       n.ID,
		ParentID: n.ParentID,
		Status:   n.Status,
	}
	cp.CompletedSteps = append(cp.CompletedSteps, n.CompletedSteps...)
	cp.ChildIDs = append(cp.ChildIDs, n.ChildIDs...)
	return cp
}

func (m Metrics) deepCopy() Metrics {
	cp := m
	if m.Steps != nil {
		cp.Steps = make(map[string]*StepMetrics, len(m.Steps))
		for id, sm := range m.Steps {
			copied := *sm
			cp.Steps[id] = &copied
		}
	}
	return cp
}

// deepCopyMap copies nested maps and slices; scalar values are shared.
func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
