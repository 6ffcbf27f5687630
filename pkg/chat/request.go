package chat

import (
	"errors"

	"github.com/tidwall/gjson"
)

var ErrNotObject = errors.New("request body is not a JSON object")

// Request is a read-only view over a raw chat-completion body.
type Request struct {
	raw []byte
}

// ParseRequest validates that body is a JSON object.
func ParseRequest(body []byte) (*Request, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, errors.New("invalid json")
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, ErrNotObject
	}
	return &Request{raw: body}, nil
}

func (r *Request) Raw() []byte { return r.raw }

// Model returns the requested model, or "" when absent or not a string.
func (r *Request) Model() string {
	v := gjson.GetBytes(r.raw, "model")
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

func (r *Request) Messages() gjson.Result {
	return gjson.GetBytes(r.raw, "messages")
}

// Stream reports whether the body asks for a streamed response. Only the JSON
// literal true counts.
func (r *Request) Stream() bool {
	return gjson.GetBytes(r.raw, "stream").Type == gjson.True
}
