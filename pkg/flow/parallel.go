package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/errors"
)

// DefaultParallelConcurrency bounds fan-out when a flow does not
// configure MaxConcurrentSteps.
const DefaultParallelConcurrency = 4

// parallelTask is one unit of work submitted to the parallel executor.
type parallelTask struct {
	step    *Step
	handler StepHandler
	ec      *ExecContext
}

// ParallelExecutor runs a batch of steps concurrently under a bounded
// semaphore. Results come back in input order regardless of completion
// order; a slot is released before the result is collected so the
// bound applies to running work, not to result delivery.
type ParallelExecutor struct {
	limit    int
	failFast bool
	logger   *slog.Logger
}

// NewParallelExecutor creates a bounded executor. A non-positive limit
// selects DefaultParallelConcurrency.
func NewParallelExecutor(limit int, failFast bool, logger *slog.Logger) *ParallelExecutor {
	if limit <= 0 {
		limit = DefaultParallelConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ParallelExecutor{
		limit:    limit,
		failFast: failFast,
		logger:   log.WithComponent(logger, "parallel-executor"),
	}
}

// Execute runs the tasks and returns one result per task, positionally
// aligned with the input. Failed steps still produce a result (with
// StepFailed status); Execute itself returns an error only when the
// batch is aborted before all results exist, e.g. fail-fast
// cancellation or context expiry.
func (p *ParallelExecutor) Execute(ctx context.Context, tasks []parallelTask) ([]*StepResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if p.failFast {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	sem := make(chan struct{}, p.limit)
	results := make([]*StepResult, len(tasks))
	taskErrs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t parallelTask) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				taskErrs[idx] = runCtx.Err()
				return
			}

			if runCtx.Err() != nil {
				taskErrs[idx] = runCtx.Err()
				return
			}

			defer func() {
				if r := recover(); r != nil {
					taskErrs[idx] = errors.NewExecutionError(
						errors.TypeExecution,
						"STEP_PANIC",
						"step:"+t.step.ID,
						fmt.Sprintf("step panicked: %v", r),
					)
				}
			}()

			result, err := t.handler.Execute(runCtx, t.step, t.ec)
			if err != nil {
				taskErrs[idx] = err
				if p.failFast && !errors.Retryable(err) {
					cancel()
				}
				return
			}
			results[idx] = result
			if result != nil && result.Failed() && p.failFast {
				cancel()
			}
		}(i, task)
	}
	wg.Wait()

	// Normalize handler errors into failed results so callers always get
	// one result per submitted task.
	var firstErr error
	for i, err := range taskErrs {
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if results[i] == nil {
			results[i] = &StepResult{
				StepID: tasks[i].step.ID,
				Status: stepStatusFor(err),
				Errors: []*errors.ExecutionError{toExecutionError(tasks[i].step.ID, err)},
			}
		}
		p.logger.Debug("parallel step failed",
			log.StepIDKey, tasks[i].step.ID, "error", err)
	}

	if ctx.Err() != nil {
		return results, errors.Wrap(ctx.Err(), "parallel execution aborted")
	}
	return results, firstErr
}

// stepStatusFor maps an execution error to the terminal step status.
func stepStatusFor(err error) StepStatus {
	switch errors.Classify(err) {
	case errors.TypeTimeout:
		return StepTimeout
	case errors.TypeSystem:
		if errors.Is(err, context.Canceled) {
			return StepCancelled
		}
		return StepFailed
	default:
		return StepFailed
	}
}

// toExecutionError lifts any error into the structured form recorded on
// step results.
func toExecutionError(stepID string, err error) *errors.ExecutionError {
	var execErr *errors.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return errors.WrapExecutionError(err, errors.Classify(err), "STEP_FAILED", "step:"+stepID)
}
