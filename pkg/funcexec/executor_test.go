package funcexec

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var personSchema = []byte(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`)

func TestExecuteSuccess(t *testing.T) {
	exec, err := New(Config{Name: "double"}, func(ctx context.Context, input map[string]any) (any, error) {
		return map[string]any{"value": input["n"].(int) * 2}, nil
	}, discardLogger())
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), map[string]any{"n": 21})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ExecutionID)
	assert.JSONEq(t, `{"value":42}`, result.FormattedOutput)
	require.Len(t, result.Attempts, 1)
	assert.Empty(t, result.Attempts[0].Error)
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	calls := 0
	exec, err := New(Config{Name: "strict", InputSchema: personSchema},
		func(ctx context.Context, input map[string]any) (any, error) {
			calls++
			return nil, nil
		}, discardLogger())
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), map[string]any{"age": 30})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, calls, "input validation failures must not consume attempts")
}

func TestDeterministicOutputValidationRetries(t *testing.T) {
	attempts := 0
	exec, err := New(Config{
		Name:           "conform",
		Mode:           ModeDeterministic,
		OutputSchema:   personSchema,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		attempts++
		if attempts < 3 {
			// Missing the required "name" field.
			return map[string]any{"age": 5}, nil
		}
		return map[string]any{"name": "ada", "age": 5}, nil
	}, discardLogger())
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.Len(t, result.Attempts, 3)
	assert.NotEmpty(t, result.Attempts[0].Error)
	assert.NotEmpty(t, result.Attempts[1].Error)
	assert.Empty(t, result.Attempts[2].Error)
}

func TestCreativeModeSkipsOutputValidation(t *testing.T) {
	exec, err := New(Config{
		Name:         "freeform",
		Mode:         ModeCreative,
		OutputSchema: personSchema,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		return "anything goes", nil
	}, discardLogger())
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestCreativeModeDoesNotRetry(t *testing.T) {
	calls := 0
	exec, err := New(Config{
		Name:           "oneshot",
		Mode:           ModeCreative,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		calls++
		return nil, errors.New("always fails")
	}, discardLogger())
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls, "creative mode gets a single attempt")
	assert.Len(t, result.Attempts, 1)
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	calls := 0
	exec, err := New(Config{
		Name:           "strict",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		calls++
		return nil, &errors.ValidationError{Field: "payload", Message: "malformed"}
	}, discardLogger())
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls, "validation failures must not be retried")
	require.NotNil(t, result.Error)
	assert.Equal(t, errors.TypeValidation, result.Error.Type)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	attempts := 0
	exec, err := New(Config{
		Name:           "hopeless",
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		attempts++
		return nil, errors.New("always fails")
	}, discardLogger())
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, attempts)
	require.Len(t, result.Attempts, 2)
	require.NotNil(t, result.Error)
	assert.Equal(t, errors.TypeExecution, result.Error.Type)
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	exec, err := New(Config{Name: "panicky", MaxAttempts: 1},
		func(ctx context.Context, input map[string]any) (any, error) {
			panic("boom")
		}, discardLogger())
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "FUNC_PANIC", result.Error.Code)
}

func TestExecuteWithTimeoutBoundsRetries(t *testing.T) {
	exec, err := New(Config{
		Name:           "slow",
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		return nil, errors.New("fail")
	}, discardLogger())
	require.NoError(t, err)

	started := time.Now()
	result, err := exec.ExecuteWithTimeout(context.Background(), nil, 75*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Less(t, time.Since(started), time.Second, "timeout must cut retries short")
	assert.Less(t, len(result.Attempts), 10)
}

func TestOutputFormats(t *testing.T) {
	tests := []struct {
		name   string
		format OutputFormat
		value  any
		want   string
	}{
		{"json object", FormatJSON, map[string]any{"a": 1}, `{"a":1}`},
		{"text scalar", FormatText, 42, "42"},
		{"raw string passthrough", FormatRaw, "plain text", "plain text"},
		{"raw non-string falls back to json", FormatRaw, map[string]any{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := New(Config{Name: "fmt", Format: tt.format},
				func(ctx context.Context, input map[string]any) (any, error) {
					return tt.value, nil
				}, discardLogger())
			require.NoError(t, err)

			result, err := exec.Execute(context.Background(), nil)
			require.NoError(t, err)
			require.True(t, result.Success)
			assert.Equal(t, tt.want, result.FormattedOutput)
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	var cfgErr *errors.ConfigError

	_, err := New(Config{Name: "x"}, nil, discardLogger())
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{}, func(ctx context.Context, input map[string]any) (any, error) {
		return nil, nil
	}, discardLogger())
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{Name: "x", InputSchema: []byte(`{"type": 12}`)},
		func(ctx context.Context, input map[string]any) (any, error) { return nil, nil },
		discardLogger())
	require.ErrorAs(t, err, &cfgErr)
}

func TestExecutionIDsAreUnique(t *testing.T) {
	exec, err := New(Config{Name: "id"}, func(ctx context.Context, input map[string]any) (any, error) {
		return nil, nil
	}, discardLogger())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		result, err := exec.Execute(context.Background(), nil)
		require.NoError(t, err)
		assert.False(t, seen[result.ExecutionID])
		seen[result.ExecutionID] = true
	}
}
