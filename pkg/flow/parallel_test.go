package flow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoHandler(delay time.Duration) StepHandler {
	return HandlerFunc(func(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &StepResult{
			StepID: step.ID,
			Status: StepCompleted,
			Output: map[string]any{"step": step.ID},
		}, nil
	})
}

func makeTasks(handler StepHandler, ids ...string) []parallelTask {
	tasks := make([]parallelTask, len(ids))
	for i, id := range ids {
		tasks[i] = parallelTask{
			step:    &Step{ID: id, Kind: KindCustom},
			handler: handler,
			ec:      &ExecContext{StepID: id},
		}
	}
	return tasks
}

func TestParallelResultsMatchInputOrder(t *testing.T) {
	// Later tasks finish first; results must still align with input.
	handler := HandlerFunc(func(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
		delay := map[string]time.Duration{"a": 30, "b": 20, "c": 10}[step.ID]
		time.Sleep(delay * time.Millisecond)
		return &StepResult{StepID: step.ID, Status: StepCompleted}, nil
	})

	pe := NewParallelExecutor(3, true, discardLogger())
	results, err := pe.Execute(context.Background(), makeTasks(handler, "a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].StepID)
	assert.Equal(t, "b", results[1].StepID)
	assert.Equal(t, "c", results[2].StepID)
}

func TestParallelRespectsConcurrencyBound(t *testing.T) {
	var current, peak int64
	var mu sync.Mutex

	handler := HandlerFunc(func(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return &StepResult{StepID: step.ID, Status: StepCompleted}, nil
	})

	pe := NewParallelExecutor(2, false, discardLogger())
	_, err := pe.Execute(context.Background(), makeTasks(handler, "a", "b", "c", "d", "e", "f"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestParallelFailFastCancelsRemaining(t *testing.T) {
	var cancelled atomic.Bool

	handler := HandlerFunc(func(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
		if step.ID == "boom" {
			return nil, &errors.ValidationError{Field: "input", Message: "bad input"}
		}
		select {
		case <-time.After(2 * time.Second):
			return &StepResult{StepID: step.ID, Status: StepCompleted}, nil
		case <-ctx.Done():
			cancelled.Store(true)
			return nil, ctx.Err()
		}
	})

	pe := NewParallelExecutor(2, true, discardLogger())
	results, err := pe.Execute(context.Background(), makeTasks(handler, "boom", "slow"))
	assert.Error(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Failed())
	assert.True(t, cancelled.Load(), "sibling should observe cancellation")
}

func TestParallelAllFatalCollectsEveryResult(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
		if step.ID == "bad" {
			return nil, errors.New("failed")
		}
		return &StepResult{StepID: step.ID, Status: StepCompleted}, nil
	})

	pe := NewParallelExecutor(4, false, discardLogger())
	results, err := pe.Execute(context.Background(), makeTasks(handler, "ok1", "bad", "ok2"))
	assert.Error(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StepCompleted, results[0].Status)
	assert.True(t, results[1].Failed())
	assert.Equal(t, StepCompleted, results[2].Status)
}

func TestParallelPanicBecomesFailedResult(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, step *Step, ec *ExecContext) (*StepResult, error) {
		panic("kaboom")
	})

	pe := NewParallelExecutor(1, false, discardLogger())
	results, err := pe.Execute(context.Background(), makeTasks(handler, "a"))
	assert.Error(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Failed())
	require.Len(t, results[0].Errors, 1)
	assert.Equal(t, "STEP_PANIC", results[0].Errors[0].Code)
}

func TestParallelEmptyBatch(t *testing.T) {
	pe := NewParallelExecutor(2, true, discardLogger())
	results, err := pe.Execute(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
}
