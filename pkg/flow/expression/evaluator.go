package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/archflow/archflow/pkg/errors"
)

// Evaluator evaluates guard expressions against a run context.
// It caches compiled expressions for improved performance on repeated
// evaluations.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Context assembles the evaluation environment for a guard.
//
//	vars  — the run variables
//	steps — completed step outputs keyed by step id
//	last  — the most recent step output on the current path
func Context(vars map[string]any, steps map[string]map[string]any, last map[string]any) map[string]any {
	stepView := make(map[string]any, len(steps))
	for id, out := range steps {
		stepView[id] = out
	}
	return map[string]any{
		"vars":  vars,
		"steps": stepView,
		"last":  last,
	}
}

// Evaluate evaluates a guard against the given context. An empty guard
// defaults to true.
func (e *Evaluator) Evaluate(guard string, ctx map[string]any) (bool, error) {
	if guard == "" {
		return true, nil
	}

	program, err := e.compile(guard)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("failed to compile guard: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	evalCtx := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	evalCtx["has"] = hasFunc
	evalCtx["length"] = lengthFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("guard evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the run context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("guard must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}

	return boolResult, nil
}

// compile compiles a guard and caches the result.
func (e *Evaluator) compile(guard string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[guard]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":    hasFunc,
		"length": lengthFunc,
	}

	prog, err := expr.Compile(guard,
		expr.Env(env),
		// The context is supplied at run time
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[guard] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
