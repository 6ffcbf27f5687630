// Package tokens estimates prompt sizes for routing decisions.
//
// The estimate is the cl100k token count of every message's text plus a fixed
// overhead: 4 tokens per message for role markers and 2 for the list framing.
// Multimodal content is flattened by concatenating the text parts and encoding
// the result once. Non-text parts add nothing.
//
// One Estimator is created per process and shared by all requests. Close it
// once at shutdown.
package tokens

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/rewriteproxy/pkg/chat"
	"github.com/tidwall/gjson"
)

const (
	PerMessageOverhead = 4
	ListOverhead       = 2
)

type Estimator struct {
	mu        sync.RWMutex
	tok       Tokenizer
	closeOnce sync.Once
}

func NewEstimator(tok Tokenizer) *Estimator {
	return &Estimator{tok: tok}
}

// CountText returns the token length of text. Tokenizer failures count as 0.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.tok == nil {
		return 0
	}
	n, err := e.tok.Count(text)
	if err != nil {
		log.Warn("token count failed", "error", err)
		return 0
	}
	return n
}

func (e *Estimator) EstimateMessages(messages []chat.Message) int {
	total := ListOverhead
	for _, m := range messages {
		total += PerMessageOverhead
		if m.Content != nil {
			total += e.CountText(m.Content.Text())
		}
	}
	return total
}

// Estimate counts a raw messages value. An absent value counts as 0; a value
// that is not an array counts as 0 and logs a warning.
func (e *Estimator) Estimate(messages gjson.Result) int {
	if !messages.Exists() {
		return 0
	}
	parsed, err := chat.ParseMessages(messages)
	if err != nil {
		log.Warn("cannot estimate tokens", "error", err)
		return 0
	}
	return e.EstimateMessages(parsed)
}

// Close releases the tokenizer. Later estimates only count overhead.
func (e *Estimator) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.tok.(io.Closer); ok {
			err = c.Close()
		}
		e.tok = nil
	})
	return err
}
