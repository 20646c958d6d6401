package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/stream"
)

// DefaultMaxConcurrentFlows is the admission limit applied when the
// engine is not configured with one.
const DefaultMaxConcurrentFlows = 64

// Engine is the entry point for flow execution. It owns the definition
// registry, admits runs against the capacity limit, tracks active runs,
// and serves pause/resume/cancel requests.
type Engine struct {
	mu        sync.RWMutex
	flows     map[string]*Flow
	active    map[string]*activeRun
	maxActive int

	em      *ExecutionManager
	states  *StateManager
	bus     *stream.Bus
	metrics *engineMetrics
	logger  *slog.Logger
}

// activeRun is the registry entry for one in-flight run.
type activeRun struct {
	flowID string
	ctrl   *runControl
	cancel context.CancelFunc
	done   chan struct{}

	result *Result
	err    error
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	store      StateStore
	bus        *stream.Bus
	logger     *slog.Logger
	maxActive  int
	registerer prometheus.Registerer
}

// WithStore sets the state store. Defaults to an in-memory store.
func WithStore(store StateStore) EngineOption {
	return func(o *engineOptions) { o.store = store }
}

// WithBus sets the event bus. Defaults to a fresh bus.
func WithBus(bus *stream.Bus) EngineOption {
	return func(o *engineOptions) { o.bus = bus }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = logger }
}

// WithMaxConcurrentFlows sets the admission limit.
func WithMaxConcurrentFlows(n int) EngineOption {
	return func(o *engineOptions) { o.maxActive = n }
}

// WithRegisterer sets the Prometheus registerer for engine metrics.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(o *engineOptions) { o.registerer = reg }
}

// NewEngine creates an engine.
func NewEngine(opts ...EngineOption) *Engine {
	options := &engineOptions{
		maxActive:  DefaultMaxConcurrentFlows,
		registerer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.store == nil {
		options.store = NewMemoryStateStore()
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.bus == nil {
		options.bus = stream.NewBus(options.logger)
	}
	if options.maxActive <= 0 {
		options.maxActive = DefaultMaxConcurrentFlows
	}

	states := NewStateManager(options.store, options.logger)
	return &Engine{
		flows:     make(map[string]*Flow),
		active:    make(map[string]*activeRun),
		maxActive: options.maxActive,
		em:        NewExecutionManager(states, options.bus, options.logger),
		states:    states,
		bus:       options.bus,
		metrics:   newEngineMetrics(options.registerer),
		logger:    log.WithComponent(options.logger, "engine"),
	}
}

// RegisterHandler installs the adapter for a step kind.
func (e *Engine) RegisterHandler(kind StepKind, handler StepHandler) {
	e.em.RegisterHandler(kind, handler)
}

// Bus returns the engine's event bus for subscribing.
func (e *Engine) Bus() *stream.Bus {
	return e.bus
}

// States exposes read access to run state and the audit log.
func (e *Engine) States() *StateManager {
	return e.states
}

// RegisterFlow validates and stores a flow definition. Registering a
// flow with an id already in use replaces the previous definition;
// active runs keep the definition they started with.
func (e *Engine) RegisterFlow(f *Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flows[f.ID] = f
	e.logger.Info("registered flow", log.FlowIDKey, f.ID, "steps", len(f.Steps))
	return nil
}

// Flow returns a registered flow definition.
func (e *Engine) Flow(id string) (*Flow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.flows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "flow", ID: id}
	}
	return f, nil
}

// Execute runs a registered flow to termination or suspension and
// returns the result.
func (e *Engine) Execute(ctx context.Context, flowID string, input map[string]any) (*Result, error) {
	if err := e.Start(ctx, flowID, input); err != nil {
		return nil, err
	}
	return e.Wait(ctx, flowID)
}

// Start admits and launches a run asynchronously. It fails with
// ConflictError when the flow is already active and with CapacityError
// at the admission limit.
func (e *Engine) Start(ctx context.Context, flowID string, input map[string]any) error {
	f, err := e.Flow(flowID)
	if err != nil {
		return err
	}

	ar, err := e.admit(flowID)
	if err != nil {
		return err
	}

	state, err := e.states.Initialize(ctx, flowID, input, len(f.Steps))
	if err != nil {
		e.release(flowID)
		return err
	}

	running := StatusRunning
	if _, err := e.states.store.UpdateState(ctx, flowID, StateUpdate{Status: &running}); err != nil {
		e.release(flowID)
		return err
	}

	e.bus.Emit(ctx, stream.NewFlowStart(flowID))
	e.metrics.flowsStarted.WithLabelValues(flowID).Inc()
	e.logger.Info("flow started", log.FlowIDKey, flowID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar.cancel = cancel
	go e.run(runCtx, f, state, ar)
	return nil
}

// Resume continues a PAUSED run, merging the given variables into the
// run state before execution restarts.
func (e *Engine) Resume(ctx context.Context, flowID string, variables map[string]any) error {
	f, err := e.Flow(flowID)
	if err != nil {
		return err
	}

	state, err := e.states.Get(ctx, flowID)
	if err != nil {
		return err
	}
	if state.Status != StatusPaused {
		return &errors.StateError{Current: string(state.Status), Operation: "resume"}
	}

	ar, err := e.admit(flowID)
	if err != nil {
		return err
	}

	running := StatusRunning
	state, err = e.states.store.UpdateState(ctx, flowID, StateUpdate{
		Status:    &running,
		Variables: variables,
	})
	if err != nil {
		e.release(flowID)
		return err
	}

	e.bus.Emit(ctx, stream.New(stream.DomainAudit, stream.TypeResume, &stream.AuditData{
		FlowID: flowID,
		Status: string(StatusRunning),
	}).WithExecutionID(flowID))
	e.logger.Info("flow resumed", log.FlowIDKey, flowID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar.cancel = cancel
	go e.run(runCtx, f, state, ar)
	return nil
}

// Pause requests a pause and returns once the run is durably PAUSED.
// Steps in flight finish their current attempt first.
func (e *Engine) Pause(ctx context.Context, flowID string) error {
	ar, ok := e.lookup(flowID)
	if !ok {
		state, err := e.states.Get(ctx, flowID)
		if err != nil {
			return err
		}
		return &errors.StateError{Current: string(state.Status), Operation: "pause"}
	}

	ar.ctrl.pause.Store(true)
	e.metrics.pauseRequests.Inc()

	select {
	case <-ar.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "pause interrupted")
	}

	state, err := e.states.Get(ctx, flowID)
	if err != nil {
		return err
	}
	if state.Status != StatusPaused {
		return &errors.StateError{Current: string(state.Status), Operation: "pause"}
	}
	e.logger.Info("flow paused", log.FlowIDKey, flowID)
	return nil
}

// Cancel aborts a run. The in-flight step's context is cancelled, and
// the run terminates in STOPPED.
func (e *Engine) Cancel(ctx context.Context, flowID string) error {
	ar, ok := e.lookup(flowID)
	if !ok {
		state, err := e.states.Get(ctx, flowID)
		if err != nil {
			return err
		}
		if state.Status.IsFinal() {
			return &errors.StateError{Current: string(state.Status), Operation: "cancel"}
		}
		// PAUSED runs have no goroutine; terminate directly.
		stopped, err := e.states.Transition(ctx, flowID, StatusStopped)
		if err != nil {
			return err
		}
		if root, ok := stopped.Paths[stopped.RootPathID]; ok {
			root.Status = PathFailed
			if _, err := e.states.UpdatePaths(ctx, flowID, map[string]*PathNode{root.ID: root}); err != nil {
				e.logger.Warn("failed to persist path updates",
					log.FlowIDKey, flowID, "error", err)
			}
		}
		e.bus.Emit(ctx, stream.NewFlowEnd(flowID, string(StatusStopped)))
		e.logger.Info("flow cancelled", log.FlowIDKey, flowID)
		return nil
	}

	ar.ctrl.cancel.Store(true)
	if ar.cancel != nil {
		ar.cancel()
	}
	e.metrics.cancelRequests.Inc()

	select {
	case <-ar.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "cancel interrupted")
	}
	e.logger.Info("flow cancelled", log.FlowIDKey, flowID)
	return nil
}

// Wait blocks until the run leaves the active registry and returns its
// result. For runs that are not active it reconstructs the result from
// the persisted state.
func (e *Engine) Wait(ctx context.Context, flowID string) (*Result, error) {
	ar, ok := e.lookup(flowID)
	if ok {
		select {
		case <-ar.done:
			return ar.result, ar.err
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "wait interrupted")
		}
	}

	state, err := e.states.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return e.em.buildResult(ctx, state)
}

// Status returns the current lifecycle status of a run.
func (e *Engine) Status(ctx context.Context, flowID string) (Status, error) {
	state, err := e.states.Get(ctx, flowID)
	if err != nil {
		return "", err
	}
	return state.Status, nil
}

// ActiveFlows lists the ids of currently active runs.
func (e *Engine) ActiveFlows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// admit reserves a slot in the active registry.
func (e *Engine) admit(flowID string) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[flowID]; exists {
		return nil, &errors.ConflictError{
			Resource: "flow",
			ID:       flowID,
			Reason:   "already active",
		}
	}
	if len(e.active) >= e.maxActive {
		e.metrics.flowsRejected.Inc()
		return nil, &errors.CapacityError{Active: len(e.active), Limit: e.maxActive}
	}
	ar := &activeRun{
		flowID: flowID,
		ctrl:   &runControl{},
		done:   make(chan struct{}),
	}
	e.active[flowID] = ar
	e.metrics.activeFlows.Set(float64(len(e.active)))
	return ar, nil
}

func (e *Engine) release(flowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, flowID)
	e.metrics.activeFlows.Set(float64(len(e.active)))
}

func (e *Engine) lookup(flowID string) (*activeRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ar, ok := e.active[flowID]
	return ar, ok
}

// run drives one walk to a stopping point and retires the registry
// entry.
func (e *Engine) run(ctx context.Context, f *Flow, state *State, ar *activeRun) {
	defer close(ar.done)
	defer e.release(ar.flowID)

	result, err := e.em.Run(ctx, f, state, ar.ctrl)
	ar.result, ar.err = result, err

	if err != nil {
		e.logger.Error("flow run failed internally",
			log.FlowIDKey, ar.flowID, "error", err)
		return
	}

	e.recordOutcome(ctx, ar.flowID, result)
}

func (e *Engine) recordOutcome(ctx context.Context, flowID string, result *Result) {
	if result == nil {
		return
	}

	for _, sm := range result.Metrics.Steps {
		e.metrics.stepDuration.Observe(sm.Duration.Seconds())
	}

	if result.Status.IsFinal() {
		e.metrics.flowsFinished.WithLabelValues(flowID, string(result.Status)).Inc()
		if !result.Metrics.EndedAt.IsZero() {
			e.metrics.flowDuration.WithLabelValues(flowID).
				Observe(result.Metrics.EndedAt.Sub(result.Metrics.StartedAt).Seconds())
		}
		e.bus.Emit(context.WithoutCancel(ctx), stream.NewFlowEnd(flowID, string(result.Status)))
		e.logger.Info("flow finished",
			log.FlowIDKey, flowID,
			"status", string(result.Status),
			"completed_steps", result.Metrics.CompletedSteps)
		return
	}

	e.logger.Info("flow suspended",
		log.FlowIDKey, flowID, "status", string(result.Status))
}
