// Package chat holds the parsed view of an OpenAI-style chat-completion request
// that the router and estimator work on. The request body itself stays raw JSON
// so fields this package knows nothing about are forwarded untouched.
package chat

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ErrMessagesNotArray is returned when a request carries a messages field that
// is not a JSON array.
var ErrMessagesNotArray = errors.New("messages is not an array")

// Content is the closed set of shapes a message content can take: PlainText or
// Parts. It is resolved once in ParseMessages.
type Content interface {
	isContent()
	// Text returns the text used for token estimation. Parts are concatenated
	// in order with no separator.
	Text() string
}

// PlainText is a message whose content is a single string.
type PlainText string

func (PlainText) isContent() {}

func (p PlainText) Text() string { return string(p) }

// ContentPart is one entry of a multimodal content array. Text is nil for
// non-text parts such as image references.
type ContentPart struct {
	Type string
	Text *string
}

// Parts is a message whose content is an ordered array of content parts.
type Parts []ContentPart

func (Parts) isContent() {}

func (p Parts) Text() string {
	n := 0
	for _, part := range p {
		if part.Text != nil {
			n += len(*part.Text)
		}
	}
	if n == 0 {
		return ""
	}
	buf := make([]byte, 0, n)
	for _, part := range p {
		if part.Text != nil {
			buf = append(buf, *part.Text...)
		}
	}
	return string(buf)
}

type Message struct {
	Role    string
	Content Content
}

// ParseMessages resolves a messages value into typed messages. A missing value
// yields no messages and no error.
func ParseMessages(v gjson.Result) ([]Message, error) {
	if !v.Exists() {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, ErrMessagesNotArray
	}
	items := v.Array()
	out := make([]Message, 0, len(items))
	for _, item := range items {
		out = append(out, Message{
			Role:    item.Get("role").String(),
			Content: parseContent(item.Get("content")),
		})
	}
	return out, nil
}

func parseContent(v gjson.Result) Content {
	if v.Type == gjson.String {
		return PlainText(v.String())
	}
	if !v.IsArray() {
		return Parts(nil)
	}
	items := v.Array()
	parts := make(Parts, 0, len(items))
	for _, item := range items {
		part := ContentPart{Type: item.Get("type").String()}
		if t := item.Get("text"); t.Type == gjson.String {
			s := t.String()
			part.Text = &s
		}
		parts = append(parts, part)
	}
	return parts
}
