// Package policy gates tool usage during a run through OPA. The engine is
// consulted before every outbound tool call; a "block" decision skips the
// tool without failing the run.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by Evaluate.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input describes one tool invocation for policy evaluation.
type Input struct {
	Tool     string         `json:"tool"`
	RunKind  string         `json:"run_kind"`
	Settings map[string]any `json:"settings"`
}

// Engine holds a prepared rego query for the tool policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given rego module and prepares the decision query.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare tool policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// Evaluate returns the policy decision for one tool call. An undefined
// decision counts as allow so a partial policy cannot wedge every run.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("evaluate tool policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// Allows is a convenience wrapper that treats evaluation errors as block,
// so a broken policy fails closed for outbound tools.
func (e *Engine) Allows(ctx context.Context, input Input) bool {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return false
	}
	return decision == DecisionAllow
}

// DefaultPolicy allows every tool except web search on projects that
// switched research off in their settings.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool == "web.search"
	input.settings.research.web_search == false
}
`
