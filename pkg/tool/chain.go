package tool

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/archflow/archflow/internal/log"
)

// Interceptor order bounds. Lower orders run their before hook earlier
// and their after hook later.
const (
	MinOrder = 0
	MaxOrder = 10000
)

// Invocation describes one tool call as it travels through the chain.
// Interceptors may read and annotate it; the meta map is scratch space
// shared between an interceptor's own hooks.
type Invocation struct {
	// FlowID identifies the run making the call, if any
	FlowID string

	// StepID identifies the calling step, if any
	StepID string

	// Tool is the tool name
	Tool string

	// Input is the tool input payload
	Input map[string]any

	meta map[string]any
}

// Meta returns the invocation-scoped scratch value for a key.
func (inv *Invocation) Meta(key string) (any, bool) {
	v, ok := inv.meta[key]
	return v, ok
}

// SetMeta stores an invocation-scoped scratch value.
func (inv *Invocation) SetMeta(key string, value any) {
	if inv.meta == nil {
		inv.meta = make(map[string]any)
	}
	inv.meta[key] = value
}

// Result is the outcome of a tool call after the chain unwinds.
type Result struct {
	// Output is the tool output payload
	Output map[string]any

	// Cached marks results served from the cache interceptor without
	// invoking the tool
	Cached bool

	// Duration is the wall time of the tool body; zero for cached results
	Duration time.Duration
}

// Interceptor hooks into tool execution. For every invocation whose
// BeforeExecute ran, exactly one of AfterExecute or OnError runs during
// unwind, in reverse order of BeforeExecute.
type Interceptor interface {
	// Name identifies the interceptor in logs.
	Name() string

	// Order positions the interceptor in the chain; before hooks run in
	// ascending order.
	Order() int

	// BeforeExecute runs before the tool body. Returning a non-nil
	// Result short-circuits the call (the tool body never runs);
	// returning an error aborts it. The returned context is passed to
	// inner interceptors and the tool body.
	BeforeExecute(ctx context.Context, inv *Invocation) (context.Context, *Result, error)

	// AfterExecute runs after a successful call, outermost last.
	AfterExecute(ctx context.Context, inv *Invocation, result *Result)

	// OnError runs after a failed call, outermost last. The returned
	// error replaces the current one; return err unchanged to pass it
	// through.
	OnError(ctx context.Context, inv *Invocation, err error) error
}

// Base is a no-op Interceptor for embedding, so implementations only
// override the hooks they need.
type Base struct{}

func (Base) BeforeExecute(ctx context.Context, inv *Invocation) (context.Context, *Result, error) {
	return ctx, nil, nil
}

func (Base) AfterExecute(ctx context.Context, inv *Invocation, result *Result) {}

func (Base) OnError(ctx context.Context, inv *Invocation, err error) error { return err }

// Chain runs interceptors around a tool body. The chain is immutable
// after construction and safe for concurrent use.
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates a chain. Interceptors are sorted ascending by
// Order; ties keep registration order.
func NewChain(logger *slog.Logger, interceptors ...Interceptor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Interceptor, len(interceptors))
	copy(sorted, interceptors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Chain{
		interceptors: sorted,
		logger:       log.WithComponent(logger, "tool-chain"),
	}
}

// Interceptors returns the chain members in before-hook order.
func (c *Chain) Interceptors() []Interceptor {
	out := make([]Interceptor, len(c.interceptors))
	copy(out, c.interceptors)
	return out
}

// Execute runs the invocation through the chain. invoke is the tool
// body; it is skipped when an interceptor short-circuits.
func (c *Chain) Execute(ctx context.Context, inv *Invocation, invoke func(ctx context.Context) (map[string]any, error)) (*Result, error) {
	var ran []Interceptor

	for _, interceptor := range c.interceptors {
		nextCtx, result, err := interceptor.BeforeExecute(ctx, inv)
		if err != nil {
			return nil, c.unwindError(ctx, inv, ran, err)
		}
		ran = append(ran, interceptor)
		if nextCtx != nil {
			ctx = nextCtx
		}
		if result != nil {
			// Short-circuit: the interceptor produced the result itself,
			// so it takes part in its own unwind.
			c.unwindSuccess(ctx, inv, ran, result)
			return result, nil
		}
	}

	started := time.Now()
	output, err := invoke(ctx)
	if err != nil {
		return nil, c.unwindError(ctx, inv, ran, err)
	}

	result := &Result{Output: output, Duration: time.Since(started)}
	c.unwindSuccess(ctx, inv, ran, result)
	return result, nil
}

// unwindSuccess calls AfterExecute on every interceptor whose before
// hook ran, in reverse order.
func (c *Chain) unwindSuccess(ctx context.Context, inv *Invocation, ran []Interceptor, result *Result) {
	for i := len(ran) - 1; i >= 0; i-- {
		c.safeAfter(ctx, ran[i], inv, result)
	}
}

// unwindError calls OnError on every interceptor whose before hook ran,
// in reverse order, threading the (possibly transformed) error.
func (c *Chain) unwindError(ctx context.Context, inv *Invocation, ran []Interceptor, err error) error {
	for i := len(ran) - 1; i >= 0; i-- {
		err = c.safeOnError(ctx, ran[i], inv, err)
	}
	return err
}

func (c *Chain) safeAfter(ctx context.Context, interceptor Interceptor, inv *Invocation, result *Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("interceptor panicked in AfterExecute",
				"interceptor", interceptor.Name(), log.ToolKey, inv.Tool, "panic", r)
		}
	}()
	interceptor.AfterExecute(ctx, inv, result)
}

func (c *Chain) safeOnError(ctx context.Context, interceptor Interceptor, inv *Invocation, err error) (out error) {
	out = err
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("interceptor panicked in OnError",
				"interceptor", interceptor.Name(), log.ToolKey, inv.Tool, "panic", r)
		}
	}()
	out = interceptor.OnError(ctx, inv, err)
	return out
}
