package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateGuards(t *testing.T) {
	eval := New()
	ctx := Context(
		map[string]any{
			"mode":     "strict",
			"count":    3,
			"personas": []any{"security", "performance"},
		},
		map[string]map[string]any{
			"classify": {"label": "spam", "score": 0.9},
		},
		map[string]any{"label": "spam"},
	)

	tests := []struct {
		name  string
		guard string
		want  bool
	}{
		{"empty guard fires", "", true},
		{"equality", `vars.mode == "strict"`, true},
		{"inequality", `vars.mode != "strict"`, false},
		{"comparison", "vars.count > 2", true},
		{"boolean combination", `vars.mode == "strict" && vars.count > 5`, false},
		{"membership", `"security" in vars.personas`, true},
		{"has function", `has(vars.personas, "style")`, false},
		{"length function", "length(vars.personas) == 2", true},
		{"step output access", `steps.classify.label == "spam"`, true},
		{"last output access", `last.label == "spam"`, true},
		{"negation", "!(vars.count > 2)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.guard, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCompileError(t *testing.T) {
	eval := New()
	_, err := eval.Evaluate("vars.count >", Context(nil, nil, nil))
	assert.Error(t, err)
}

func TestEvaluateNonBoolean(t *testing.T) {
	eval := New()
	// expr.AsBool rejects non-boolean results at compile or run time.
	_, err := eval.Evaluate("vars.count", Context(map[string]any{"count": 3}, nil, nil))
	assert.Error(t, err)
}

func TestEvaluateCaching(t *testing.T) {
	eval := New()
	ctx := Context(map[string]any{"count": 1}, nil, nil)

	_, err := eval.Evaluate("vars.count == 1", ctx)
	require.NoError(t, err)
	_, err = eval.Evaluate("vars.count == 1", ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, eval.CacheSize())
}

func TestHasOnMapAndString(t *testing.T) {
	eval := New()
	ctx := Context(map[string]any{
		"labels": map[string]any{"env": "prod"},
		"text":   "hello world",
	}, nil, nil)

	got, err := eval.Evaluate(`has(vars.labels, "env")`, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate(`has(vars.text, "world")`, ctx)
	require.NoError(t, err)
	assert.True(t, got)
}
