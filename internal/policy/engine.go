// Package policy admits or blocks control events with an OPA policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/shopspring/decimal"

	"github.com/xiaot623/livesession/internal/domain"
)

// Decision is the outcome of evaluating a control event.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine is the OPA policy engine.
type Engine struct {
	query         rego.PreparedEvalQuery
	maxMultiplier decimal.Decimal
}

// NewEngine prepares policyContent. maxMultiplier <= 0 disables the upper bound.
func NewEngine(ctx context.Context, policyContent string, maxMultiplier float64) (*Engine, error) {
	r := rego.New(
		rego.Query("data.control_policy.decision"),
		rego.Module("control_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query, maxMultiplier: decimal.NewFromFloat(maxMultiplier)}, nil
}

// Evaluate checks a control event before it enters the log. Amounts are passed
// as decimal strings and compared with to_number, which keeps them exact.
func (e *Engine) Evaluate(ctx context.Context, ev domain.ControlEvent) (Decision, error) {
	input := map[string]interface{}{
		"kind":           string(ev.Kind),
		"sender_role":    string(ev.SenderRole),
		"max_multiplier": e.maxMultiplier.String(),
	}
	if ev.NewRate != nil {
		input["new_rate"] = ev.NewRate.String()
	}
	if ev.NewMultiplier != nil {
		input["new_multiplier"] = ev.NewMultiplier.String()
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// A policy without a decision for this input admits it.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true, Reason: "default"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package control_policy

decision = {"allow": count(deny) == 0, "reason": concat("; ", sort(deny))}

deny[msg] {
	input.kind == "rate_changed"
	to_number(input.new_rate) < 0
	msg := "rate must not be negative"
}

deny[msg] {
	input.kind == "multiplier_changed"
	to_number(input.new_multiplier) <= 0
	msg := "multiplier must be positive"
}

deny[msg] {
	input.kind == "multiplier_changed"
	to_number(input.max_multiplier) > 0
	to_number(input.new_multiplier) > to_number(input.max_multiplier)
	msg := "multiplier above the allowed maximum"
}

deny[msg] {
	input.sender_role != ""
	not valid_roles[input.sender_role]
	msg := "unknown sender role"
}

valid_roles = {"provider", "customer"}
`
