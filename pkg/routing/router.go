// Package routing substitutes virtual model names with a backend model chosen
// by estimated prompt size.
package routing

import (
	"github.com/charmbracelet/log"
	"github.com/lkarlslund/rewriteproxy/pkg/tokens"
	"github.com/tidwall/gjson"
)

type Decision struct {
	Requested     string
	Selected      string
	ContextLength int
	Tokens        int
}

type Router struct {
	rules     map[string]Rule
	estimator *tokens.Estimator
}

func NewRouter(rules map[string]Rule, estimator *tokens.Estimator) *Router {
	return &Router{rules: rules, estimator: estimator}
}

// Route returns the backend model for requested. ok is false when requested
// has no rule or its rule is malformed; the caller then keeps the model as is.
func (r *Router) Route(requested string, messages gjson.Result) (Decision, bool) {
	if r == nil {
		return Decision{}, false
	}
	rule, exists := r.rules[requested]
	if !exists {
		return Decision{}, false
	}
	if rule.Malformed != "" {
		log.Warn("invalid model routing configuration", "model", requested, "reason", rule.Malformed)
		return Decision{}, false
	}
	n := 0
	if r.estimator != nil {
		n = r.estimator.Estimate(messages)
	}
	tier := rule.Select(n)
	return Decision{
		Requested:     requested,
		Selected:      tier.Model,
		ContextLength: tier.ContextLength,
		Tokens:        n,
	}, true
}
