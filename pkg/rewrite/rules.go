// Package rewrite applies per-model body mutations to chat-completion requests
// before they are forwarded.
//
// A rule set is an ordered list of actions built from the configured field map:
//
//	message  prepend the configured messages to the request's messages
//	tools    append the configured tools after the caller's tools
//	stream   with the string value "false", force stream to false
//	<other>  overwrite the top-level field with the configured value
//
// Actions run in declaration order, each on the output of the previous one.
package rewrite

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

type Kind int

const (
	Overwrite Kind = iota
	PrependMessages
	AppendTools
	ForceStreamFalse
)

func (k Kind) String() string {
	switch k {
	case PrependMessages:
		return "prepend-messages"
	case AppendTools:
		return "append-tools"
	case ForceStreamFalse:
		return "force-stream-false"
	default:
		return "overwrite"
	}
}

// Configured field names with merge semantics.
const (
	FieldMessage = "message"
	FieldTools   = "tools"
	FieldStream  = "stream"
)

// Field is one configured entry of a rule set, in declaration order.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Action is a validated body mutation. Target is the request field it writes.
type Action struct {
	Kind   Kind
	Target string
	Value  json.RawMessage
}

type RuleSet []Action

// NewRuleSet validates fields and turns them into actions, keeping their order.
func NewRuleSet(fields []Field) (RuleSet, error) {
	seen := make(map[string]struct{}, len(fields))
	out := make(RuleSet, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("empty field name")
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("field %q declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}
		if !gjson.ValidBytes(f.Value) {
			return nil, fmt.Errorf("field %q: invalid json value", f.Name)
		}
		v := gjson.ParseBytes(f.Value)
		switch f.Name {
		case FieldMessage:
			if !v.IsArray() {
				return nil, fmt.Errorf("field %q must be an array of messages", f.Name)
			}
			for i, m := range v.Array() {
				if !m.IsObject() {
					return nil, fmt.Errorf("field %q: entry %d is not a message object", f.Name, i)
				}
			}
			out = append(out, Action{Kind: PrependMessages, Target: "messages", Value: compact(f.Value)})
		case FieldTools:
			if !v.IsArray() {
				return nil, fmt.Errorf("field %q must be an array", f.Name)
			}
			out = append(out, Action{Kind: AppendTools, Target: "tools", Value: compact(f.Value)})
		case FieldStream:
			if v.Type == gjson.String && v.Str == "false" {
				out = append(out, Action{Kind: ForceStreamFalse, Target: "stream"})
				continue
			}
			out = append(out, Action{Kind: Overwrite, Target: f.Name, Value: compact(f.Value)})
		default:
			out = append(out, Action{Kind: Overwrite, Target: f.Name, Value: compact(f.Value)})
		}
	}
	return out, nil
}

// OverwriteOnly reports whether every action is a plain overwrite or a forced
// stream flag, which makes applying the set idempotent.
func (rs RuleSet) OverwriteOnly() bool {
	for _, a := range rs {
		if a.Kind == PrependMessages || a.Kind == AppendTools {
			return false
		}
	}
	return true
}

func compact(raw json.RawMessage) json.RawMessage {
	return json.RawMessage(pretty.Ugly(raw))
}
