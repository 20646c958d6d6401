package flow

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/flow/expression"
	"github.com/archflow/archflow/pkg/stream"
)

// runControl carries the cooperative flags shared between the engine
// and a running walk. The walk checks them at step boundaries only, so
// a step that has started always finishes its attempt.
type runControl struct {
	pause  atomic.Bool
	cancel atomic.Bool
}

// ExecutionManager walks the step graph of a flow: it resolves ready
// steps from the edge state, evaluates guards, fans matching edges out
// through the parallel executor, folds results back in deterministic
// order, and routes failures down error paths.
type ExecutionManager struct {
	handlers  map[StepKind]StepHandler
	evaluator *expression.Evaluator
	states    *StateManager
	bus       *stream.Bus
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewExecutionManager creates an execution manager writing through the
// given state manager and emitting on the given bus.
func NewExecutionManager(states *StateManager, bus *stream.Bus, logger *slog.Logger) *ExecutionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionManager{
		handlers:  make(map[StepKind]StepHandler),
		evaluator: expression.New(),
		states:    states,
		bus:       bus,
		tracer:    otel.Tracer("github.com/archflow/archflow/pkg/flow"),
		logger:    log.WithComponent(logger, "execution-manager"),
	}
}

// RegisterHandler installs the adapter for a step kind, replacing any
// previous registration.
func (em *ExecutionManager) RegisterHandler(kind StepKind, handler StepHandler) {
	em.handlers[kind] = handler
}

func (em *ExecutionManager) handlerFor(step *Step) (StepHandler, error) {
	if h, ok := em.handlers[step.Kind]; ok {
		return h, nil
	}
	return nil, &errors.ConfigError{
		Key:    "handlers." + string(step.Kind),
		Reason: "no handler registered for step kind",
	}
}

// edgeState tracks the decision on one connection during a walk.
type edgeState int

const (
	edgeUndecided edgeState = iota
	edgeFired
	edgeDead
)

// walk is the per-run mutable view of the graph.
type walk struct {
	flow     *Flow
	edges    []Connection
	incoming map[string][]int
	outgoing map[string][]int
	states   []edgeState
	done     map[string]bool
	vars     map[string]any
	outputs  map[string]map[string]any
	last     map[string]any
	paths    map[string]*PathNode
	rootID   string
}

func newWalk(f *Flow, st *State) *walk {
	edges := f.connections()
	w := &walk{
		flow:     f,
		edges:    edges,
		incoming: make(map[string][]int),
		outgoing: make(map[string][]int),
		states:   make([]edgeState, len(edges)),
		done:     make(map[string]bool),
		vars:     make(map[string]any),
		outputs:  make(map[string]map[string]any),
		paths:    st.Paths,
		rootID:   st.RootPathID,
	}
	if w.paths == nil {
		w.paths = make(map[string]*PathNode)
	}
	for i, e := range edges {
		w.incoming[e.TargetID] = append(w.incoming[e.TargetID], i)
		w.outgoing[e.SourceID] = append(w.outgoing[e.SourceID], i)
	}
	for k, v := range st.Variables {
		w.vars[k] = v
	}
	for id, out := range st.StepOutputs {
		w.outputs[id] = out
	}
	if st.CurrentStepID != "" {
		w.last = w.outputs[st.CurrentStepID]
	}
	return w
}

// replay re-derives edge decisions for steps completed before a
// suspension, so a resumed walk continues from the same frontier the
// paused walk had.
func (w *walk) replay(eval *expression.Evaluator) {
	for id := range w.outputs {
		w.done[id] = true
	}
	// Guards are re-evaluated against the restored variables; decisions
	// are stable because completed outputs and variables are persisted.
	for id := range w.outputs {
		w.decideOutgoing(eval, id, false)
	}
}

// decideOutgoing marks the source step's outgoing edges fired or dead.
// When failed is true only error-path edges may fire.
func (w *walk) decideOutgoing(eval *expression.Evaluator, stepID string, failed bool) {
	ctx := expression.Context(w.vars, w.outputs, w.last)
	for _, i := range w.outgoing[stepID] {
		edge := w.edges[i]
		if edge.ErrorPath != failed {
			w.states[i] = edgeDead
			continue
		}
		fired, err := eval.Evaluate(edge.Guard, ctx)
		if err != nil || !fired {
			w.states[i] = edgeDead
			continue
		}
		w.states[i] = edgeFired
	}
}

// propagateSkips marks steps whose every incoming edge is dead as
// skipped, killing their outgoing edges in turn until stable. Returns
// the ids skipped in this pass.
func (w *walk) propagateSkips() []string {
	var skipped []string
	for {
		progressed := false
		for _, s := range w.flow.Steps {
			if w.done[s.ID] {
				continue
			}
			in := w.incoming[s.ID]
			if len(in) == 0 {
				continue
			}
			allDead := true
			for _, i := range in {
				if w.states[i] != edgeDead {
					allDead = false
					break
				}
			}
			if !allDead {
				continue
			}
			w.done[s.ID] = true
			for _, i := range w.outgoing[s.ID] {
				w.states[i] = edgeDead
			}
			skipped = append(skipped, s.ID)
			progressed = true
		}
		if !progressed {
			return skipped
		}
	}
}

// ready returns the undone steps whose incoming edges are all decided
// with at least one fired, sorted by id so parallel fan-out and result
// folding are deterministic.
func (w *walk) ready() []*Step {
	var batch []*Step
	for _, s := range w.flow.Steps {
		if w.done[s.ID] {
			continue
		}
		in := w.incoming[s.ID]
		if len(in) == 0 {
			// Source steps run once at walk start.
			batch = append(batch, s)
			continue
		}
		anyFired := false
		decided := true
		for _, i := range in {
			switch w.states[i] {
			case edgeUndecided:
				decided = false
			case edgeFired:
				anyFired = true
			}
		}
		if decided && anyFired {
			batch = append(batch, s)
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	return batch
}

func (w *walk) root() *PathNode {
	if w.rootID == "" {
		return nil
	}
	return w.paths[w.rootID]
}

// spawnChildren creates one child path per branch of a parallel region
// and attaches them to the root.
func (w *walk) spawnChildren(batch []*Step) map[string]*PathNode {
	root := w.root()
	if root == nil {
		return nil
	}
	children := make(map[string]*PathNode, len(batch))
	for _, s := range batch {
		child := &PathNode{ID: "path-" + s.ID, ParentID: w.rootID, Status: PathRunning}
		w.paths[child.ID] = child
		root.ChildIDs = append(root.ChildIDs, child.ID)
		children[s.ID] = child
	}
	return children
}

// Run walks the flow to a terminal or suspension status. The returned
// Result reflects the persisted state; err is non-nil only for engine
// failures, not for flows that terminate in FAILED.
func (em *ExecutionManager) Run(ctx context.Context, f *Flow, st *State, ctrl *runControl) (*Result, error) {
	if f.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Config.Timeout)
		defer cancel()
	}

	logger := log.WithFlowContext(em.logger, st.FlowID)

	w := newWalk(f, st)
	if len(w.outputs) > 0 {
		w.replay(em.evaluator)
	}
	if root := w.root(); root != nil && root.Status == PathPaused {
		root.Status = PathRunning
		em.persistPaths(ctx, st.FlowID, map[string]*PathNode{root.ID: root})
	}

	for {
		if ctrl != nil && ctrl.cancel.Load() {
			em.closePaths(ctx, st.FlowID, w, PathFailed)
			return em.finish(ctx, st.FlowID, StatusStopped)
		}
		if ctrl != nil && ctrl.pause.Load() {
			em.closePaths(ctx, st.FlowID, w, PathPaused)
			return em.finish(ctx, st.FlowID, StatusPaused)
		}
		if ctx.Err() != nil {
			em.closePaths(ctx, st.FlowID, w, PathFailed)
			return em.fail(context.WithoutCancel(ctx), st.FlowID, em.timeoutError(f, ctx.Err()))
		}

		for _, id := range w.propagateSkips() {
			em.recordSkip(ctx, st.FlowID, id)
		}

		batch := w.ready()
		if len(batch) == 0 {
			break
		}

		var children map[string]*PathNode
		if len(batch) > 1 {
			children = w.spawnChildren(batch)
			em.persistPaths(ctx, st.FlowID, w.batchNodes(children))
		}

		results, fatal, err := em.runBatch(ctx, f, st.FlowID, w, batch, logger)
		if err != nil {
			// An aborted batch still terminates the run durably: cancel
			// intent wins, then the deadline, then the raw engine error.
			if ctrl != nil && ctrl.cancel.Load() {
				em.closePaths(ctx, st.FlowID, w, PathFailed)
				return em.finish(ctx, st.FlowID, StatusStopped)
			}
			if ctx.Err() != nil {
				em.closePaths(ctx, st.FlowID, w, PathFailed)
				return em.fail(context.WithoutCancel(ctx), st.FlowID, em.timeoutError(f, ctx.Err()))
			}
			return nil, err
		}

		// Fold results in batch (lexicographic) order so concurrent runs
		// produce identical variable states.
		for i, result := range results {
			step := batch[i]
			w.done[step.ID] = true
			if result == nil {
				continue
			}
			if result.Failed() {
				w.decideOutgoing(em.evaluator, step.ID, true)
				if child := children[step.ID]; child != nil {
					child.Status = PathFailed
				}
				if _, recErr := em.states.RecordStepResult(ctx, st.FlowID, result, nil); recErr != nil {
					logger.Warn("failed to record step result", log.StepIDKey, step.ID, "error", recErr)
				}
				continue
			}
			if result.Status == StepCompleted {
				for k, v := range result.Output {
					w.vars[k] = v
				}
				w.outputs[step.ID] = result.Output
				w.last = result.Output
				if child := children[step.ID]; child != nil {
					// A completed branch rejoins its parent at the fold.
					child.CompletedSteps = append(child.CompletedSteps, step.ID)
					child.Status = PathMerged
				} else if root := w.root(); root != nil {
					root.CompletedSteps = append(root.CompletedSteps, step.ID)
				}
			}
			if _, recErr := em.states.RecordStepResult(ctx, st.FlowID, result, result.Output); recErr != nil {
				logger.Warn("failed to record step result", log.StepIDKey, step.ID, "error", recErr)
			}
			w.decideOutgoing(em.evaluator, step.ID, false)
		}

		em.persistPaths(ctx, st.FlowID, w.batchNodes(children))

		if fatal != nil {
			// A cancel request can surface as step failures; the caller's
			// intent wins over the induced error.
			if ctrl != nil && ctrl.cancel.Load() {
				em.closePaths(ctx, st.FlowID, w, PathFailed)
				return em.finish(ctx, st.FlowID, StatusStopped)
			}
			em.closePaths(ctx, st.FlowID, w, PathFailed)
			return em.fail(ctx, st.FlowID, fatal)
		}
	}

	em.closePaths(ctx, st.FlowID, w, PathCompleted)
	return em.finish(ctx, st.FlowID, StatusCompleted)
}

// batchNodes collects a parallel region's children plus the root for
// persistence.
func (w *walk) batchNodes(children map[string]*PathNode) map[string]*PathNode {
	root := w.root()
	if root == nil {
		return nil
	}
	nodes := map[string]*PathNode{root.ID: root}
	for _, child := range children {
		nodes[child.ID] = child
	}
	return nodes
}

// closePaths settles the path tree for a run leaving the walk: the root
// takes the given status, and any branch still running is failed. A
// paused walk has no running branches, so its children are untouched.
func (em *ExecutionManager) closePaths(ctx context.Context, flowID string, w *walk, status PathStatus) {
	root := w.root()
	if root == nil {
		return
	}
	changed := map[string]*PathNode{w.rootID: root}
	for id, node := range w.paths {
		if id == w.rootID || node.Status.IsTerminal() {
			continue
		}
		if status != PathPaused {
			node.Status = PathFailed
			changed[id] = node
		}
	}
	root.Status = status
	em.persistPaths(ctx, flowID, changed)
}

func (em *ExecutionManager) persistPaths(ctx context.Context, flowID string, nodes map[string]*PathNode) {
	if len(nodes) == 0 {
		return
	}
	if _, err := em.states.UpdatePaths(context.WithoutCancel(ctx), flowID, nodes); err != nil {
		em.logger.Warn("failed to persist path updates",
			log.FlowIDKey, flowID, "error", err)
	}
}

// runBatch executes one frontier. A failed step whose error paths are
// empty is fatal for the run; with fail-fast enabled the first fatal
// cancels the rest of the batch.
func (em *ExecutionManager) runBatch(ctx context.Context, f *Flow, flowID string, w *walk, batch []*Step, logger *slog.Logger) ([]*StepResult, *errors.ExecutionError, error) {
	results := make([]*StepResult, len(batch))

	if len(batch) == 1 {
		results[0] = em.executeStep(ctx, f, flowID, batch[0], em.execContext(flowID, batch[0], w))
	} else {
		tasks := make([]parallelTask, len(batch))
		for i, step := range batch {
			tasks[i] = parallelTask{
				step: step,
				handler: HandlerFunc(func(c context.Context, s *Step, ec *ExecContext) (*StepResult, error) {
					return em.executeStep(c, f, flowID, s, ec), nil
				}),
				ec: em.execContext(flowID, step, w),
			}
		}
		pe := NewParallelExecutor(f.Config.MaxConcurrentSteps, f.Config.FailFast, logger)
		batchResults, err := pe.Execute(ctx, tasks)
		if err != nil && ctx.Err() != nil {
			return nil, nil, errors.Wrap(err, "parallel batch aborted")
		}
		copy(results, batchResults)
	}

	// A failure with no error path terminates the run.
	var fatal *errors.ExecutionError
	for i, result := range results {
		if result == nil || !result.Failed() {
			continue
		}
		if em.hasErrorPath(w, batch[i].ID) {
			continue
		}
		if fatal == nil {
			fatal = firstError(result, batch[i].ID)
		}
	}
	return results, fatal, nil
}

func (em *ExecutionManager) hasErrorPath(w *walk, stepID string) bool {
	for _, i := range w.outgoing[stepID] {
		if w.edges[i].ErrorPath {
			return true
		}
	}
	return false
}

func firstError(result *StepResult, stepID string) *errors.ExecutionError {
	if len(result.Errors) > 0 {
		return result.Errors[len(result.Errors)-1]
	}
	return errors.NewExecutionError(errors.TypeExecution, "STEP_FAILED", "step:"+stepID, "step failed without error detail")
}

// execContext builds the isolated per-step view.
func (em *ExecutionManager) execContext(flowID string, step *Step, w *walk) *ExecContext {
	ec := &ExecContext{
		FlowID:      flowID,
		StepID:      step.ID,
		Variables:   w.vars,
		StepOutputs: w.outputs,
		LastOutput:  w.last,
	}
	return ec.clone()
}

// executeStep runs one step under the flow's retry policy. The result
// carries every attempt's error; only errors whose classification is
// retryable trigger another attempt, and timeouts get at most one.
func (em *ExecutionManager) executeStep(ctx context.Context, f *Flow, flowID string, step *Step, ec *ExecContext) *StepResult {
	ctx, span := em.tracer.Start(ctx, "flow.step",
		trace.WithAttributes(
			attribute.String("flow.id", flowID),
			attribute.String("step.id", step.ID),
			attribute.String("step.kind", string(step.Kind)),
		))
	defer span.End()

	logger := log.WithStepContext(em.logger, flowID, step.ID)

	handler, err := em.handlerFor(step)
	if err != nil {
		span.RecordError(err)
		return em.failedResult(step.ID, StepFailed, 0, err)
	}

	policy := f.Config.Retry
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	if _, err := em.states.RecordStepStart(ctx, flowID, step.ID); err != nil {
		logger.Warn("failed to record step start", "error", err)
	}
	em.emit(ctx, stream.NewToolStart(flowID, step.ID, step.Name, ec.Variables))

	started := time.Now()
	var attemptErrs []*errors.ExecutionError

	for attempt := 1; ; attempt++ {
		result, execErr := em.attempt(ctx, handler, step, ec)
		if execErr == nil && result != nil && !result.Failed() {
			result.Metrics = StepMetrics{
				StartedAt: started,
				EndedAt:   time.Now(),
				Duration:  time.Since(started),
				Attempts:  attempt,
			}
			result.Errors = attemptErrs
			em.emit(ctx, stream.NewToolResult(flowID, step.ID, step.Name, result.Output))
			return result
		}

		if execErr == nil {
			execErr = errors.New("step reported failure")
			if result != nil && len(result.Errors) > 0 {
				execErr = result.Errors[len(result.Errors)-1]
			}
		}
		attemptErrs = append(attemptErrs, toExecutionError(step.ID, execErr))
		span.RecordError(execErr)

		classification := errors.Classify(execErr)
		maxAttempts := policy.MaxAttempts
		if classification == errors.TypeTimeout && maxAttempts > 2 {
			maxAttempts = 2
		}
		if !classification.Retryable() || attempt >= maxAttempts || ctx.Err() != nil {
			em.emit(ctx, stream.NewToolError(flowID, step.ID, step.Name, execErr.Error()))
			status := stepStatusFor(execErr)
			logger.Warn("step failed",
				"attempts", attempt,
				"classification", string(classification),
				"error", execErr)
			failed := em.failedResult(step.ID, status, attempt, nil)
			failed.Metrics.StartedAt = started
			failed.Metrics.EndedAt = time.Now()
			failed.Metrics.Duration = time.Since(started)
			failed.Errors = attemptErrs
			return failed
		}

		backoff := backoffFor(policy, attempt)
		logger.Debug("retrying step",
			"attempt", attempt,
			"backoff", backoff.String(),
			"classification", string(classification))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// The deadline error is surfaced on the next iteration.
		}
	}
}

// attempt invokes the handler, converting panics into errors.
func (em *ExecutionManager) attempt(ctx context.Context, handler StepHandler, step *Step, ec *ExecContext) (result *StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewExecutionError(errors.TypeExecution, "STEP_PANIC", "step:"+step.ID,
				"step panicked during execution").WithDetail("panic", r)
		}
	}()
	return handler.Execute(ctx, step, ec.clone())
}

func (em *ExecutionManager) failedResult(stepID string, status StepStatus, attempts int, err error) *StepResult {
	result := &StepResult{
		StepID:  stepID,
		Status:  status,
		Metrics: StepMetrics{Attempts: attempts},
	}
	if err != nil {
		result.Errors = []*errors.ExecutionError{toExecutionError(stepID, err)}
	}
	return result
}

// backoffFor returns initial * multiplier^(attempt-1).
func backoffFor(policy *RetryPolicy, attempt int) time.Duration {
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
	}
	return backoff
}

func (em *ExecutionManager) recordSkip(ctx context.Context, flowID, stepID string) {
	result := &StepResult{StepID: stepID, Status: StepSkipped}
	if _, err := em.states.RecordStepResult(ctx, flowID, result, nil); err != nil {
		em.logger.Warn("failed to record skipped step",
			log.FlowIDKey, flowID, log.StepIDKey, stepID, "error", err)
	}
}

// finish transitions to the given status and builds the caller-facing
// result.
func (em *ExecutionManager) finish(ctx context.Context, flowID string, status Status) (*Result, error) {
	state, err := em.states.Transition(context.WithoutCancel(ctx), flowID, status)
	if err != nil {
		return nil, err
	}
	return em.buildResult(context.WithoutCancel(ctx), state)
}

// fail records the fatal error and terminates the run in FAILED.
func (em *ExecutionManager) fail(ctx context.Context, flowID string, execErr *errors.ExecutionError) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	state, err := em.states.RecordFailure(ctx, flowID, execErr)
	if err != nil {
		return nil, err
	}
	em.emit(ctx, stream.NewFlowError(flowID, string(execErr.Type), execErr.Message))
	return em.buildResult(ctx, state)
}

func (em *ExecutionManager) timeoutError(f *Flow, cause error) *errors.ExecutionError {
	if errors.Is(cause, context.DeadlineExceeded) {
		return errors.WrapExecutionError(
			&errors.TimeoutError{Operation: "flow", Duration: f.Config.Timeout, Cause: cause},
			errors.TypeTimeout, "FLOW_TIMEOUT", "execution-manager")
	}
	return errors.WrapExecutionError(cause, errors.TypeSystem, "FLOW_ABORTED", "execution-manager")
}

func (em *ExecutionManager) buildResult(ctx context.Context, state *State) (*Result, error) {
	recorded, err := em.states.Errors(ctx, state.FlowID)
	if err != nil {
		return nil, err
	}
	return &Result{
		FlowID:  state.FlowID,
		Status:  state.Status,
		Output:  state.Variables,
		Metrics: state.Metrics,
		Errors:  recorded,
	}, nil
}

func (em *ExecutionManager) emit(ctx context.Context, event *stream.Event) {
	if em.bus != nil {
		em.bus.Emit(context.WithoutCancel(ctx), event)
	}
}
