package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func TestStoreSnapshotIsolation(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	state := NewState("flow-1", map[string]any{
		"mode":   "strict",
		"nested": map[string]any{"count": 1},
	})
	require.NoError(t, store.SaveState(ctx, "flow-1", state))

	// Mutating the caller's copy must not affect the stored state.
	state.Variables["mode"] = "loose"
	state.Variables["nested"].(map[string]any)["count"] = 99

	got, err := store.GetState(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "strict", got.Variables["mode"])
	assert.Equal(t, 1, got.Variables["nested"].(map[string]any)["count"])

	// Mutating a read snapshot must not affect later reads.
	got.Variables["mode"] = "mutated"
	again, err := store.GetState(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "strict", again.Variables["mode"])
}

func TestStoreGetStateNotFound(t *testing.T) {
	store := NewMemoryStateStore()
	_, err := store.GetState(context.Background(), "missing")

	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, errors.TypeNotFound, errors.Classify(err))
}

func TestStoreUpdateStateMergesVariables(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "flow-1", NewState("flow-1", map[string]any{"a": 1})))

	updated, err := store.UpdateState(ctx, "flow-1", StateUpdate{
		Variables:           map[string]any{"b": 2},
		CompletedStepsDelta: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Variables["a"])
	assert.Equal(t, 2, updated.Variables["b"])
	assert.Equal(t, 1, updated.Metrics.CompletedSteps)
}

func TestStoreUpdateStateRejectsIllegalTransition(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "flow-1", NewState("flow-1", nil)))

	paused := StatusPaused
	_, err := store.UpdateState(ctx, "flow-1", StateUpdate{Status: &paused})

	var stateErr *errors.StateError
	require.ErrorAs(t, err, &stateErr)

	// The failed update must not have modified the stored state.
	got, err := store.GetState(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, got.Status)
}

func TestStoreConcurrentUpdatesSerialize(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "flow-1", NewState("flow-1", nil)))

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateState(ctx, "flow-1", StateUpdate{CompletedStepsDelta: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.GetState(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, workers, got.Metrics.CompletedSteps)
}

func TestStoreAuditLogIsAppendOnlyAndImmutable(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	state := NewState("flow-1", map[string]any{"step": 0})
	require.NoError(t, store.SaveState(ctx, "flow-1", state))

	state.Variables["step"] = 1
	require.NoError(t, store.SaveState(ctx, "flow-1", state))

	entries, err := store.GetAuditLogs(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, 0, entries[0].State.Variables["step"])
	assert.Equal(t, 1, entries[1].State.Variables["step"])
	assert.False(t, entries[1].Timestamp.Before(entries[0].Timestamp))

	// Mutating a returned entry must not rewrite history.
	entries[0].State.Variables["step"] = 42
	fresh, err := store.GetAuditLogs(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh[0].State.Variables["step"])
}

func TestStoreErrorsPreserveOrder(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	first := errors.NewExecutionError(errors.TypeExecution, "E1", "test", "first")
	second := errors.NewExecutionError(errors.TypeTimeout, "E2", "test", "second")
	require.NoError(t, store.SaveError(ctx, "flow-1", first))
	require.NoError(t, store.SaveError(ctx, "flow-1", second))

	recorded, err := store.GetErrors(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, "E1", recorded[0].Code)
	assert.Equal(t, "E2", recorded[1].Code)
}

func TestStoreClearFlow(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "flow-1", NewState("flow-1", nil)))

	require.NoError(t, store.ClearFlow(ctx, "flow-1"))

	_, err := store.GetState(ctx, "flow-1")
	assert.Error(t, err)
	entries, err := store.GetAuditLogs(ctx, "flow-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
