package flow

import (
	"context"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tool"
)

// ToolStepHandler executes TOOL steps through the tool registry, so
// every step-initiated tool call passes through the interceptor chain.
//
// Step config:
//
//	tool:  name of the registered tool (required)
//	input: static input payload merged under the step's variables
type ToolStepHandler struct {
	registry *tool.Registry
}

// NewToolStepHandler creates the handler.
func NewToolStepHandler(registry *tool.Registry) *ToolStepHandler {
	return &ToolStepHandler{registry: registry}
}

// Execute implements StepHandler.
func (h *ToolStepHandler) Execute(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
	name, _ := step.Config["tool"].(string)
	if name == "" {
		return nil, &errors.ConfigError{
			Key:    "steps." + step.ID + ".tool",
			Reason: "tool step requires a tool name",
		}
	}

	// Static config input wins over run variables on key collisions.
	inputs := make(map[string]any, len(ec.Variables))
	for k, v := range ec.Variables {
		inputs[k] = v
	}
	if static, ok := step.Config["input"].(map[string]any); ok {
		for k, v := range static {
			inputs[k] = v
		}
	}

	result, err := h.registry.Execute(ctx, ec.FlowID, ec.StepID, name, inputs)
	if err != nil {
		return nil, err
	}

	return &StepResult{
		StepID: step.ID,
		Status: StepCompleted,
		Output: result.Output,
	}, nil
}
