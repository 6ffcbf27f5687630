package rewrite

import (
	"bytes"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Rewriter looks up rule sets by backend model name. It never modifies its
// rule sets, so one Rewriter is shared by all requests.
type Rewriter struct {
	rules map[string]RuleSet
}

func New(rules map[string]RuleSet) *Rewriter {
	return &Rewriter{rules: rules}
}

func (r *Rewriter) Lookup(model string) (RuleSet, bool) {
	if r == nil {
		return nil, false
	}
	rs, ok := r.rules[model]
	return rs, ok
}

// Rewrite applies the rule set registered for model. The body is returned
// unchanged when no rule set exists. applied reports whether one did.
func (r *Rewriter) Rewrite(body []byte, model string) (out []byte, applied bool, err error) {
	rs, ok := r.Lookup(model)
	if !ok {
		return body, false, nil
	}
	log.Info("applying rewrite rules", "model", model, "actions", len(rs))
	out, err = rs.Apply(body)
	if err != nil {
		return body, false, err
	}
	return out, true, nil
}

// Apply runs every action in order on a copy of body.
func (rs RuleSet) Apply(body []byte) ([]byte, error) {
	out := append([]byte(nil), body...)
	var err error
	for _, a := range rs {
		out, err = a.apply(out)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", a.Kind, a.Target, err)
		}
		log.Debug("rewrite rule", "action", a.Kind, "field", a.Target, "value", string(a.Value))
	}
	return out, nil
}

func (a Action) apply(body []byte) ([]byte, error) {
	path := gjson.Escape(a.Target)
	switch a.Kind {
	case PrependMessages:
		current := gjson.GetBytes(body, path)
		return sjson.SetRawBytes(body, path, concatArrays(a.Value, current))
	case AppendTools:
		current := gjson.GetBytes(body, path)
		if !current.IsArray() {
			return sjson.SetRawBytes(body, path, a.Value)
		}
		return sjson.SetRawBytes(body, path, concatArrays([]byte(current.Raw), gjson.ParseBytes(a.Value)))
	case ForceStreamFalse:
		return sjson.SetBytes(body, path, false)
	default:
		return sjson.SetRawBytes(body, path, a.Value)
	}
}

// concatArrays returns head followed by tail's elements. A tail that is not an
// array contributes nothing.
func concatArrays(head []byte, tail gjson.Result) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	n := 0
	add := func(raw string) {
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(raw)
		n++
	}
	for _, v := range gjson.ParseBytes(head).Array() {
		add(v.Raw)
	}
	if tail.IsArray() {
		for _, v := range tail.Array() {
			add(v.Raw)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
