package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func echoTool() Tool {
	return &Func{
		ToolName: "echo",
		ToolDesc: "returns its input",
		ToolSchema: &Schema{
			Inputs: &ParameterSchema{
				Type: "object",
				Properties: map[string]*Property{
					"message": {Type: "string"},
				},
				Required: []string{"message"},
			},
		},
		ExecuteFunc: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"message": inputs["message"]}, nil
		},
	}
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(echoTool()))

	assert.True(t, registry.Has("echo"))
	assert.Contains(t, registry.List(), "echo")

	result, err := registry.Execute(context.Background(), "flow-1", "step-1", "echo",
		map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Output["message"])
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(echoTool()))

	err := registry.Register(echoTool())
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	registry := NewRegistry(nil)

	var verr *errors.ValidationError
	require.ErrorAs(t, registry.Register(nil), &verr)
	require.ErrorAs(t, registry.Register(&Func{ToolName: ""}), &verr)
}

func TestRegistryUnknownTool(t *testing.T) {
	registry := NewRegistry(nil)
	_, err := registry.Execute(context.Background(), "", "", "ghost", nil)

	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRegistryValidatesRequiredInputs(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(echoTool()))

	_, err := registry.Execute(context.Background(), "", "", "echo", map[string]any{})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errors.TypeValidation, errors.Classify(err))
}

func TestRegistryUnregister(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(echoTool()))
	require.NoError(t, registry.Unregister("echo"))
	assert.False(t, registry.Has("echo"))

	var notFound *errors.NotFoundError
	require.ErrorAs(t, registry.Unregister("echo"), &notFound)
}

func TestRegistryExecutesThroughChain(t *testing.T) {
	guard := NewGuardrailInterceptor(DenyTools("echo"))
	chain := NewChain(discardLogger(), guard)
	registry := NewRegistry(chain)
	require.NoError(t, registry.Register(echoTool()))

	_, err := registry.Execute(context.Background(), "flow-1", "step-1", "echo",
		map[string]any{"message": "hi"})

	var violation *GuardrailViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, errors.TypeValidation, errors.Classify(err))
}

func TestGuardrailMaxInputBytes(t *testing.T) {
	rule := MaxInputBytes(16)

	ok := rule(&Invocation{Tool: "echo", Input: map[string]any{"a": 1}})
	assert.Nil(t, ok)

	violation := rule(&Invocation{Tool: "echo", Input: map[string]any{
		"payload": "a very long payload that exceeds the limit",
	}})
	require.NotNil(t, violation)
	assert.Equal(t, "max-input-bytes", violation.Rule)
}

func TestGuardrailRequireFlowContext(t *testing.T) {
	rule := RequireFlowContext()
	assert.Nil(t, rule(&Invocation{Tool: "echo", FlowID: "flow-1"}))
	assert.NotNil(t, rule(&Invocation{Tool: "echo"}))
}

func TestCacheServesRepeatedCalls(t *testing.T) {
	cache := NewCacheInterceptor(time.Minute)
	chain := NewChain(discardLogger(), cache)
	registry := NewRegistry(chain)

	callCount := 0
	require.NoError(t, registry.Register(&Func{
		ToolName: "counter",
		ExecuteFunc: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			callCount++
			return map[string]any{"count": callCount}, nil
		},
	}))

	first, err := registry.Execute(context.Background(), "", "", "counter", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := registry.Execute(context.Background(), "", "", "counter", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, 1, callCount, "cached call must not invoke the tool")

	// Different input misses.
	_, err = registry.Execute(context.Background(), "", "", "counter", map[string]any{"k": "other"})
	require.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func TestCacheKeyIsOrderInsensitive(t *testing.T) {
	a, ok := cacheKey(&Invocation{Tool: "t", Input: map[string]any{"x": 1, "y": 2}})
	require.True(t, ok)
	b, ok := cacheKey(&Invocation{Tool: "t", Input: map[string]any{"y": 2, "x": 1}})
	require.True(t, ok)
	assert.Equal(t, a, b)

	c, ok := cacheKey(&Invocation{Tool: "other", Input: map[string]any{"x": 1, "y": 2}})
	require.True(t, ok)
	assert.NotEqual(t, a, c)
}

func TestCacheExpiry(t *testing.T) {
	now := time.Now()
	cache := NewCacheInterceptor(time.Minute)
	cache.now = func() time.Time { return now }

	inv := &Invocation{Tool: "t", Input: map[string]any{"k": "v"}}
	_, result, err := cache.BeforeExecute(context.Background(), inv)
	require.NoError(t, err)
	require.Nil(t, result)
	cache.AfterExecute(context.Background(), inv, &Result{Output: map[string]any{"ok": true}})

	// Within TTL: hit.
	_, result, err = cache.BeforeExecute(context.Background(), inv)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Cached)

	// Past TTL: miss, entry evicted.
	now = now.Add(2 * time.Minute)
	_, result, err = cache.BeforeExecute(context.Background(), inv)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, cache.Size())
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	cache := NewCacheInterceptor(time.Minute)
	chain := NewChain(discardLogger(), cache)
	registry := NewRegistry(chain)

	attempts := 0
	require.NoError(t, registry.Register(&Func{
		ToolName: "flaky",
		ExecuteFunc: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		},
	}))

	_, err := registry.Execute(context.Background(), "", "", "flaky", map[string]any{"k": "v"})
	require.Error(t, err)

	result, err := registry.Execute(context.Background(), "", "", "flaky", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.False(t, result.Cached, "an error must not be served from cache")
	assert.Equal(t, 2, attempts)
}
