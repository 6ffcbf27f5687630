package routing

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Tier maps a context length to the backend model serving it.
type Tier struct {
	ContextLength int
	Model         string
}

// Rule picks a backend model for a virtual model by prompt size. Tiers are
// sorted by ascending context length.
type Rule struct {
	Tiers     []Tier
	Threshold float64
	// Malformed is set when the rule lacks models or threshold. Such a rule
	// never substitutes.
	Malformed string
}

// ParseRule reads one routing rule value. Shape errors that make the rule
// meaningless are returned; a missing models map or threshold is recorded in
// Malformed instead so the rule degrades to pass-through.
func ParseRule(v gjson.Result) (Rule, error) {
	if !v.IsObject() {
		return Rule{}, errors.New("routing rule must be an object")
	}
	var rule Rule
	var missing []string

	models := v.Get("models")
	switch {
	case !models.Exists():
		missing = append(missing, "models")
	case !models.IsObject():
		return Rule{}, errors.New("models must be a mapping of context length to model")
	default:
		var perr error
		models.ForEach(func(k, m gjson.Result) bool {
			n, err := strconv.Atoi(strings.TrimSpace(k.String()))
			if err != nil || n <= 0 {
				perr = fmt.Errorf("context length %q is not a positive integer", k.String())
				return false
			}
			if m.Type != gjson.String || strings.TrimSpace(m.String()) == "" {
				perr = fmt.Errorf("context length %d: model must be a non-empty string", n)
				return false
			}
			rule.Tiers = append(rule.Tiers, Tier{ContextLength: n, Model: strings.TrimSpace(m.String())})
			return true
		})
		if perr != nil {
			return Rule{}, perr
		}
		if len(rule.Tiers) == 0 {
			missing = append(missing, "models")
		}
	}
	sort.Slice(rule.Tiers, func(i, j int) bool { return rule.Tiers[i].ContextLength < rule.Tiers[j].ContextLength })
	for i := 1; i < len(rule.Tiers); i++ {
		if rule.Tiers[i].ContextLength == rule.Tiers[i-1].ContextLength {
			return Rule{}, fmt.Errorf("context length %d declared twice", rule.Tiers[i].ContextLength)
		}
	}

	threshold := v.Get("threshold")
	switch {
	case !threshold.Exists() || threshold.Type == gjson.Null:
		missing = append(missing, "threshold")
	case threshold.Type != gjson.Number:
		return Rule{}, errors.New("threshold must be a number")
	default:
		rule.Threshold = threshold.Float()
		if rule.Threshold == 0 {
			missing = append(missing, "threshold")
		} else if rule.Threshold < 0 || rule.Threshold > 1 {
			return Rule{}, fmt.Errorf("threshold %v must be in (0,1]", rule.Threshold)
		}
	}
	if len(missing) > 0 {
		rule.Malformed = "missing " + strings.Join(missing, " and ")
	}
	return rule, nil
}

// Select returns the first tier whose budget covers tokens, or the largest
// tier. The rule must not be malformed.
func (r Rule) Select(tokens int) Tier {
	for _, t := range r.Tiers {
		if float64(t.ContextLength)*r.Threshold >= float64(tokens) {
			return t
		}
	}
	return r.Tiers[len(r.Tiers)-1]
}
