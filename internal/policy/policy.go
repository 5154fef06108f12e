// Package policy evaluates configurable guard rules over order status
// transitions. A rule whose expression evaluates to true denies the
// transition.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// RuleConfig is the configured form of a guard rule.
type RuleConfig struct {
	Name       string `mapstructure:"name" yaml:"name" validate:"required"`
	Expression string `mapstructure:"expression" yaml:"expression" validate:"required"`
}

// DefaultRules forbid regressing a terminal order to anything but refunded.
var DefaultRules = []RuleConfig{
	{
		Name:       "terminal_no_regress",
		Expression: "current_terminal && target_status != 'refunded'",
	},
}

// Transition describes a proposed status change. Its fields are exposed to
// rule expressions as current_status, target_status, current_terminal,
// current_paid and channel.
type Transition struct {
	CurrentStatus   string
	TargetStatus    string
	CurrentTerminal bool
	CurrentPaid     bool
	Channel         string
}

func (t Transition) parameters() map[string]interface{} {
	return map[string]interface{}{
		"current_status":   t.CurrentStatus,
		"target_status":    t.TargetStatus,
		"current_terminal": t.CurrentTerminal,
		"current_paid":     t.CurrentPaid,
		"channel":          t.Channel,
	}
}

// Decision is the outcome of evaluating a transition.
type Decision struct {
	Allowed bool
	// DeniedBy names the first rule that matched, if any.
	DeniedBy string
}

type compiledRule struct {
	name string
	expr *govaluate.EvaluableExpression
}

// TransitionPolicy holds compiled guard rules, evaluated in order.
type TransitionPolicy struct {
	rules []compiledRule
}

// NewTransitionPolicy compiles rules. A nil slice yields a policy that allows
// every transition.
func NewTransitionPolicy(rules []RuleConfig) (*TransitionPolicy, error) {
	p := &TransitionPolicy{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule '%s' has an empty expression", r.Name)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule '%s': %w", r.Name, err)
		}
		p.rules = append(p.rules, compiledRule{name: r.Name, expr: expr})
	}
	return p, nil
}

// Evaluate runs the rules against t. The first rule evaluating to true denies
// the transition. A rule that does not evaluate to a boolean is an error.
func (p *TransitionPolicy) Evaluate(t Transition) (Decision, error) {
	params := t.parameters()
	for _, r := range p.rules {
		res, err := r.expr.Evaluate(params)
		if err != nil {
			return Decision{}, fmt.Errorf("error evaluating rule '%s': %w", r.name, err)
		}
		deny, ok := res.(bool)
		if !ok {
			return Decision{}, fmt.Errorf("rule '%s' did not evaluate to a boolean, got %T", r.name, res)
		}
		if deny {
			return Decision{Allowed: false, DeniedBy: r.name}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Len returns the number of compiled rules.
func (p *TransitionPolicy) Len() int {
	return len(p.rules)
}
