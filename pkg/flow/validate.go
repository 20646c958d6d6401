package flow

import (
	"fmt"

	"github.com/archflow/archflow/pkg/errors"
)

// Validate checks the structural invariants of a flow: a stable id,
// unique step ids, edges that reference known steps, at least one
// source step, full reachability from the sources, and acyclicity.
// Flows failing validation are rejected at registration and admission.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "flow id cannot be empty",
			Suggestion: "assign a stable identifier to the flow",
		}
	}
	if len(f.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "flow has no steps",
			Suggestion: "add at least one step to the flow",
		}
	}

	steps := make(map[string]*Step, len(f.Steps))
	for _, s := range f.Steps {
		if s.ID == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: "step id cannot be empty",
			}
		}
		if _, dup := steps[s.ID]; dup {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("duplicate step id: %s", s.ID),
				Suggestion: "step ids must be unique within a flow",
			}
		}
		if !validKind(s.Kind) {
			return &errors.ValidationError{
				Field:      "kind",
				Message:    fmt.Sprintf("step %s has unknown kind %q", s.ID, s.Kind),
				Suggestion: "use one of: ASSISTANT, AGENT, TOOL, CHAIN, CUSTOM",
			}
		}
		steps[s.ID] = s
	}

	for _, edge := range f.connections() {
		if _, ok := steps[edge.SourceID]; !ok {
			return &errors.ValidationError{
				Field:   "connections",
				Message: fmt.Sprintf("connection references unknown source step: %s", edge.SourceID),
			}
		}
		if _, ok := steps[edge.TargetID]; !ok {
			return &errors.ValidationError{
				Field:   "connections",
				Message: fmt.Sprintf("connection references unknown target step: %s", edge.TargetID),
			}
		}
		if edge.SourceID == edge.TargetID {
			return &errors.ValidationError{
				Field:   "connections",
				Message: fmt.Sprintf("step %s connects to itself", edge.SourceID),
			}
		}
	}

	roots := f.sources()
	if len(roots) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "flow has no source step",
			Suggestion: "every flow needs at least one step without incoming connections",
		}
	}

	if err := f.checkAcyclic(); err != nil {
		return err
	}

	return f.checkReachable(roots)
}

func validKind(kind StepKind) bool {
	switch kind {
	case KindAssistant, KindAgent, KindTool, KindChain, KindCustom:
		return true
	default:
		return false
	}
}

// checkAcyclic rejects cycles using Kahn's algorithm.
func (f *Flow) checkAcyclic() error {
	indegree := make(map[string]int, len(f.Steps))
	adjacent := make(map[string][]string)
	for _, s := range f.Steps {
		indegree[s.ID] = 0
	}
	for _, edge := range f.connections() {
		indegree[edge.TargetID]++
		adjacent[edge.SourceID] = append(adjacent[edge.SourceID], edge.TargetID)
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(f.Steps) {
		return &errors.ValidationError{
			Field:      "connections",
			Message:    "flow contains a cycle",
			Suggestion: "flows must be acyclic; remove the back edge",
		}
	}
	return nil
}

// checkReachable verifies every step is reachable from some source.
func (f *Flow) checkReachable(roots []*Step) error {
	adjacent := make(map[string][]string)
	for _, edge := range f.connections() {
		adjacent[edge.SourceID] = append(adjacent[edge.SourceID], edge.TargetID)
	}

	reached := make(map[string]bool, len(f.Steps))
	var stack []string
	for _, root := range roots {
		stack = append(stack, root.ID)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		stack = append(stack, adjacent[id]...)
	}

	for _, s := range f.Steps {
		if !reached[s.ID] {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("step %s is not reachable from any source", s.ID),
				Suggestion: "connect the step to the graph or remove it",
			}
		}
	}
	return nil
}
