package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/errors"
)

// StateManager mediates every state mutation during a run. All writes
// go through the store's atomic read-modify-write, and every lifecycle
// transition is recorded in the audit log.
type StateManager struct {
	store  StateStore
	logger *slog.Logger
}

// NewStateManager creates a state manager backed by the given store.
func NewStateManager(store StateStore, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{
		store:  store,
		logger: log.WithComponent(logger, "state-manager"),
	}
}

// Initialize creates and persists the initial state for a run.
func (m *StateManager) Initialize(ctx context.Context, flowID string, variables map[string]any, totalSteps int) (*State, error) {
	state := NewState(flowID, variables)
	state.Metrics.TotalSteps = totalSteps

	root := &PathNode{ID: "path-root", Status: PathRunning}
	state.Paths[root.ID] = root
	state.RootPathID = root.ID

	if err := m.store.SaveState(ctx, flowID, state); err != nil {
		return nil, errors.Wrap(err, "failed to save initial state")
	}

	m.logger.Debug("initialized flow state", log.FlowIDKey, flowID)
	return state.DeepCopy(), nil
}

// Transition moves the run to a new lifecycle status and audits the
// change. Illegal transitions fail with StateError.
func (m *StateManager) Transition(ctx context.Context, flowID string, to Status) (*State, error) {
	state, err := m.store.UpdateState(ctx, flowID, StateUpdate{
		Status:    &to,
		MarkEnded: to.IsFinal(),
	})
	if err != nil {
		return nil, err
	}

	if auditErr := m.audit(ctx, flowID, state, ""); auditErr != nil {
		m.logger.Warn("failed to record audit entry",
			log.FlowIDKey, flowID, "error", auditErr)
	}

	m.logger.Debug("flow transitioned",
		log.FlowIDKey, flowID, "status", string(to))
	return state, nil
}

// RecordStepStart marks a step as the current step.
func (m *StateManager) RecordStepStart(ctx context.Context, flowID, stepID string) (*State, error) {
	return m.store.UpdateState(ctx, flowID, StateUpdate{
		CurrentStepID: &stepID,
	})
}

// RecordStepResult merges a completed step's output variables and
// metrics into the state and audits the result.
func (m *StateManager) RecordStepResult(ctx context.Context, flowID string, result *StepResult, variables map[string]any) (*State, error) {
	metrics := result.Metrics
	update := StateUpdate{
		Variables:   variables,
		StepMetrics: map[string]*StepMetrics{result.StepID: &metrics},
	}
	if result.Status == StepCompleted {
		update.CompletedStepsDelta = 1
		out := result.Output
		if out == nil {
			// Completed steps always leave an output record so resumed
			// walks know they ran.
			out = map[string]any{}
		}
		update.StepOutputs = map[string]map[string]any{result.StepID: out}
	}

	state, err := m.store.UpdateState(ctx, flowID, update)
	if err != nil {
		return nil, err
	}

	if auditErr := m.auditStep(ctx, flowID, state, result); auditErr != nil {
		m.logger.Warn("failed to record audit entry",
			log.FlowIDKey, flowID, log.StepIDKey, result.StepID, "error", auditErr)
	}
	return state, nil
}

// RecordFailure sets the fatal error, transitions to FAILED, and
// records the error for later retrieval.
func (m *StateManager) RecordFailure(ctx context.Context, flowID string, execErr *errors.ExecutionError) (*State, error) {
	failed := StatusFailed
	state, err := m.store.UpdateState(ctx, flowID, StateUpdate{
		Status:    &failed,
		Error:     execErr,
		MarkEnded: true,
	})
	if err != nil {
		return nil, err
	}

	if saveErr := m.store.SaveError(ctx, flowID, execErr); saveErr != nil {
		m.logger.Warn("failed to record error",
			log.FlowIDKey, flowID, "error", saveErr)
	}
	if auditErr := m.audit(ctx, flowID, state, ""); auditErr != nil {
		m.logger.Warn("failed to record audit entry",
			log.FlowIDKey, flowID, "error", auditErr)
	}
	return state, nil
}

// UpdatePaths persists changes to the execution path tree.
func (m *StateManager) UpdatePaths(ctx context.Context, flowID string, paths map[string]*PathNode) (*State, error) {
	return m.store.UpdateState(ctx, flowID, StateUpdate{Paths: paths})
}

// Get returns a snapshot of the current state.
func (m *StateManager) Get(ctx context.Context, flowID string) (*State, error) {
	return m.store.GetState(ctx, flowID)
}

// AuditLog returns the ordered audit trail for a run.
func (m *StateManager) AuditLog(ctx context.Context, flowID string) ([]*AuditEntry, error) {
	return m.store.GetAuditLogs(ctx, flowID)
}

// Errors returns the recorded errors for a run.
func (m *StateManager) Errors(ctx context.Context, flowID string) ([]*errors.ExecutionError, error) {
	return m.store.GetErrors(ctx, flowID)
}

// Clear removes all state for a run.
func (m *StateManager) Clear(ctx context.Context, flowID string) error {
	return m.store.ClearFlow(ctx, flowID)
}

func (m *StateManager) audit(ctx context.Context, flowID string, state *State, stepID string) error {
	return m.store.SaveAuditLog(ctx, flowID, &AuditEntry{
		FlowID:    flowID,
		Timestamp: time.Now(),
		State:     state,
		StepID:    stepID,
	})
}

func (m *StateManager) auditStep(ctx context.Context, flowID string, state *State, result *StepResult) error {
	return m.store.SaveAuditLog(ctx, flowID, &AuditEntry{
		FlowID:     flowID,
		Timestamp:  time.Now(),
		State:      state,
		StepID:     result.StepID,
		StepResult: result,
	})
}
