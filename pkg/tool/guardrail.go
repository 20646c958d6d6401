package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/archflow/archflow/pkg/errors"
)

// GuardrailViolation is returned when a guardrail rejects an
// invocation. It is never retried.
type GuardrailViolation struct {
	// Tool is the tool that was blocked
	Tool string

	// Rule names the guardrail that fired
	Rule string

	// Reason explains the rejection
	Reason string
}

// Error implements the error interface.
func (e *GuardrailViolation) Error() string {
	return fmt.Sprintf("guardrail %s blocked tool %s: %s", e.Rule, e.Tool, e.Reason)
}

// Classification implements errors.Classifier.
func (e *GuardrailViolation) Classification() errors.ErrorType { return errors.TypeValidation }

// GuardrailRule inspects an invocation before the tool body runs.
type GuardrailRule func(inv *Invocation) *GuardrailViolation

// GuardrailInterceptor enforces policy rules on tool invocations. It
// runs early in the chain so blocked calls never reach caching or the
// tool body.
type GuardrailInterceptor struct {
	Base
	rules []GuardrailRule
}

// NewGuardrailInterceptor creates a guardrail interceptor with the
// given rules.
func NewGuardrailInterceptor(rules ...GuardrailRule) *GuardrailInterceptor {
	return &GuardrailInterceptor{rules: rules}
}

// Name implements Interceptor.
func (g *GuardrailInterceptor) Name() string { return "guardrail" }

// Order implements Interceptor.
func (g *GuardrailInterceptor) Order() int { return MinOrder + 200 }

// BeforeExecute implements Interceptor.
func (g *GuardrailInterceptor) BeforeExecute(ctx context.Context, inv *Invocation) (context.Context, *Result, error) {
	for _, rule := range g.rules {
		if violation := rule(inv); violation != nil {
			if violation.Tool == "" {
				violation.Tool = inv.Tool
			}
			return ctx, nil, violation
		}
	}
	return ctx, nil, nil
}

// DenyTools blocks the named tools outright.
func DenyTools(names ...string) GuardrailRule {
	denied := make(map[string]bool, len(names))
	for _, name := range names {
		denied[name] = true
	}
	return func(inv *Invocation) *GuardrailViolation {
		if denied[inv.Tool] {
			return &GuardrailViolation{Rule: "deny-tools", Reason: "tool is on the deny list"}
		}
		return nil
	}
}

// MaxInputBytes rejects invocations whose serialized input exceeds the
// given size.
func MaxInputBytes(limit int) GuardrailRule {
	return func(inv *Invocation) *GuardrailViolation {
		payload, err := json.Marshal(inv.Input)
		if err != nil {
			return &GuardrailViolation{Rule: "max-input-bytes", Reason: "input is not serializable"}
		}
		if len(payload) > limit {
			return &GuardrailViolation{
				Rule:   "max-input-bytes",
				Reason: fmt.Sprintf("input is %d bytes, limit is %d", len(payload), limit),
			}
		}
		return nil
	}
}

// RequireFlowContext rejects invocations made outside a flow run.
func RequireFlowContext() GuardrailRule {
	return func(inv *Invocation) *GuardrailViolation {
		if inv.FlowID == "" {
			return &GuardrailViolation{Rule: "require-flow", Reason: "tool may only be called from a flow step"}
		}
		return nil
	}
}
