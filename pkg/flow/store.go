package flow

import (
	"context"
	"sync"
	"time"

	"github.com/archflow/archflow/pkg/errors"
)

// StateStore persists run state, the audit log, and recorded errors.
// Implementations must provide snapshot isolation: a state returned by
// GetState is never affected by later writes, and a state passed to
// SaveState is never affected by later caller mutations. The in-memory
// reference implementation achieves this with deep copies; durable
// implementations may use transactional reads as long as the visible
// semantics are identical.
type StateStore interface {
	// SaveState stores a deep copy of the state and appends an audit
	// snapshot with the same timestamp.
	SaveState(ctx context.Context, flowID string, state *State) error

	// GetState returns a deep copy of the stored state, or NotFoundError.
	GetState(ctx context.Context, flowID string) (*State, error)

	// UpdateState performs an atomic read-modify-write under the
	// per-flow lock. Concurrent updates for the same flow serialize.
	UpdateState(ctx context.Context, flowID string, update StateUpdate) (*State, error)

	// SaveAuditLog appends an entry; arrival order is preserved.
	SaveAuditLog(ctx context.Context, flowID string, entry *AuditEntry) error

	// GetAuditLogs returns the ordered audit log for a flow.
	GetAuditLogs(ctx context.Context, flowID string) ([]*AuditEntry, error)

	// SaveError records a classified error for a flow.
	SaveError(ctx context.Context, flowID string, execErr *errors.ExecutionError) error

	// GetErrors returns the recorded errors in arrival order.
	GetErrors(ctx context.Context, flowID string) ([]*errors.ExecutionError, error)

	// ClearFlow removes all data for a flow.
	ClearFlow(ctx context.Context, flowID string) error
}

// StateUpdate describes one atomic mutation applied by UpdateState.
// Nil fields leave the corresponding state field untouched.
type StateUpdate struct {
	// Status transitions the lifecycle state; illegal transitions fail
	// with StateError and leave the state unchanged
	Status *Status

	// CurrentStepID records the most recently dispatched step
	CurrentStepID *string

	// Variables are merged into the state's variable map
	Variables map[string]any

	// StepOutputs are merged into the state's step-output map
	StepOutputs map[string]map[string]any

	// StepMetrics are merged into the per-step metrics map
	StepMetrics map[string]*StepMetrics

	// CompletedStepsDelta increments the completed-step counter
	CompletedStepsDelta int

	// Error sets the fatal error record
	Error *errors.ExecutionError

	// Paths replaces the named path nodes
	Paths map[string]*PathNode

	// RootPathID sets the root of the execution tree
	RootPathID *string

	// MarkEnded stamps Metrics.EndedAt if not already set
	MarkEnded bool
}

// apply mutates the state in place. The caller holds the per-flow lock.
func (u StateUpdate) apply(state *State) error {
	if u.Status != nil && *u.Status != state.Status {
		if err := checkTransition(state.Status, *u.Status); err != nil {
			return err
		}
		state.Status = *u.Status
	}
	if u.CurrentStepID != nil {
		state.CurrentStepID = *u.CurrentStepID
	}
	if len(u.Variables) > 0 {
		if state.Variables == nil {
			state.Variables = make(map[string]any, len(u.Variables))
		}
		for k, v := range u.Variables {
			state.Variables[k] = v
		}
	}
	if len(u.StepOutputs) > 0 {
		if state.StepOutputs == nil {
			state.StepOutputs = make(map[string]map[string]any, len(u.StepOutputs))
		}
		for id, out := range u.StepOutputs {
			state.StepOutputs[id] = deepCopyMap(out)
		}
	}
	if len(u.StepMetrics) > 0 {
		if state.Metrics.Steps == nil {
			state.Metrics.Steps = make(map[string]*StepMetrics, len(u.StepMetrics))
		}
		for id, sm := range u.StepMetrics {
			copied := *sm
			state.Metrics.Steps[id] = &copied
		}
	}
	state.Metrics.CompletedSteps += u.CompletedStepsDelta
	if u.Error != nil {
		state.Error = u.Error
	}
	if len(u.Paths) > 0 {
		if state.Paths == nil {
			state.Paths = make(map[string]*PathNode, len(u.Paths))
		}
		for id, node := range u.Paths {
			state.Paths[id] = node.deepCopy()
		}
	}
	if u.RootPathID != nil {
		state.RootPathID = *u.RootPathID
	}
	if u.MarkEnded && state.Metrics.EndedAt.IsZero() {
		state.Metrics.EndedAt = time.Now()
	}
	return nil
}

// MemoryStateStore is the in-memory reference implementation of
// StateStore. It is thread-safe; every flow gets its own lock so
// updates for different flows never contend.
type MemoryStateStore struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*State
	audits map[string][]*AuditEntry
	errs   map[string][]*errors.ExecutionError
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		locks:  make(map[string]*sync.Mutex),
		states: make(map[string]*State),
		audits: make(map[string][]*AuditEntry),
		errs:   make(map[string][]*errors.ExecutionError),
	}
}

// lockFor returns the per-flow mutex, creating it on first use.
func (s *MemoryStateStore) lockFor(flowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[flowID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[flowID] = lock
	}
	return lock
}

// SaveState stores a deep copy and appends an audit snapshot with the
// same timestamp.
func (s *MemoryStateStore) SaveState(ctx context.Context, flowID string, state *State) error {
	if state == nil {
		return &errors.ValidationError{Field: "state", Message: "state cannot be nil"}
	}

	lock := s.lockFor(flowID)
	lock.Lock()
	defer lock.Unlock()

	snapshot := state.DeepCopy()
	now := time.Now()

	s.mu.Lock()
	s.states[flowID] = snapshot
	s.audits[flowID] = append(s.audits[flowID], &AuditEntry{
		FlowID:    flowID,
		Timestamp: now,
		State:     snapshot.DeepCopy(),
	})
	s.mu.Unlock()

	return nil
}

// GetState returns a deep copy of the stored state.
func (s *MemoryStateStore) GetState(ctx context.Context, flowID string) (*State, error) {
	s.mu.Lock()
	state, ok := s.states[flowID]
	s.mu.Unlock()

	if !ok {
		return nil, &errors.NotFoundError{Resource: "flow state", ID: flowID}
	}
	return state.DeepCopy(), nil
}

// UpdateState performs an atomic read-modify-write under the per-flow
// lock.
func (s *MemoryStateStore) UpdateState(ctx context.Context, flowID string, update StateUpdate) (*State, error) {
	lock := s.lockFor(flowID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current, ok := s.states[flowID]
	s.mu.Unlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "flow state", ID: flowID}
	}

	modified := current.DeepCopy()
	if err := update.apply(modified); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.states[flowID] = modified
	s.mu.Unlock()

	return modified.DeepCopy(), nil
}

// SaveAuditLog appends an entry, preserving arrival order.
func (s *MemoryStateStore) SaveAuditLog(ctx context.Context, flowID string, entry *AuditEntry) error {
	if entry == nil {
		return &errors.ValidationError{Field: "entry", Message: "audit entry cannot be nil"}
	}

	copied := *entry
	if copied.Timestamp.IsZero() {
		copied.Timestamp = time.Now()
	}
	copied.State = entry.State.DeepCopy()

	s.mu.Lock()
	s.audits[flowID] = append(s.audits[flowID], &copied)
	s.mu.Unlock()
	return nil
}

// GetAuditLogs returns the ordered audit log for a flow.
func (s *MemoryStateStore) GetAuditLogs(ctx context.Context, flowID string) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.audits[flowID]
	out := make([]*AuditEntry, len(entries))
	for i, entry := range entries {
		copied := *entry
		copied.State = entry.State.DeepCopy()
		out[i] = &copied
	}
	return out, nil
}

// SaveError records a classified error for a flow.
func (s *MemoryStateStore) SaveError(ctx context.Context, flowID string, execErr *errors.ExecutionError) error {
	if execErr == nil {
		return nil
	}
	s.mu.Lock()
	s.errs[flowID] = append(s.errs[flowID], execErr)
	s.mu.Unlock()
	return nil
}

// GetErrors returns the recorded errors in arrival order.
func (s *MemoryStateStore) GetErrors(ctx context.Context, flowID string) ([]*errors.ExecutionError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded := s.errs[flowID]
	out := make([]*errors.ExecutionError, len(recorded))
	copy(out, recorded)
	return out, nil
}

// ClearFlow removes all data for a flow.
func (s *MemoryStateStore) ClearFlow(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, flowID)
	delete(s.audits, flowID)
	delete(s.errs, flowID)
	delete(s.locks, flowID)
	return nil
}
