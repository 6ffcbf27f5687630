package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lkarlslund/rewriteproxy/pkg/config"
	"github.com/tidwall/gjson"
)

// wordTokenizer counts whitespace separated words so tier boundaries in
// tests are easy to reason about.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) (int, error) { return len(strings.Fields(text)), nil }

// Rules used by most tests. With wordTokenizer a single message of n words
// estimates to n+6 tokens, so up to 4 words stays on "small".
const testRules = `,
  "ROUTING_RULES": {
    "auto": {"models": {"10": "small", "100": "large"}, "threshold": 1}
  },
  "REWRITE_RULES": {
    "large": {
      "message": [{"role": "system", "content": "be brief"}],
      "max_tokens": 100
    },
    "no-stream": {"stream": "false"}
  }`

// capturedRequest is what the fake backend saw.
type capturedRequest struct {
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     []byte
}

type fakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []capturedRequest
}

// newFakeBackend records every request and then hands it to respond.
func newFakeBackend(t *testing.T, respond http.HandlerFunc) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.requests = append(fb.requests, capturedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawPath:  r.URL.EscapedPath(),
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     body,
		})
		fb.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		respond(w, r)
	}))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) last(t *testing.T) capturedRequest {
	t.Helper()
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.requests) == 0 {
		t.Fatal("backend received no request")
	}
	return fb.requests[len(fb.requests)-1]
}

func (fb *fakeBackend) count() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.requests)
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func newTestServer(t *testing.T, backendURL string, tweak ...func(*Options)) *Server {
	t.Helper()
	doc := fmt.Sprintf(`{"BACKEND_URL": %q%s}`, backendURL, testRules)
	cfg, err := config.Parse([]byte(doc), config.FormatJSON)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	opts := DefaultOptions()
	opts.Tokenizer = wordTokenizer{}
	for _, fn := range tweak {
		fn(&opts)
	}
	s, err := NewServer(cfg, opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func serveProxy(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}

func requireErrorEnvelope(t *testing.T, body []byte, wantType string) {
	t.Helper()
	typ := gjson.GetBytes(body, "error.type")
	if typ.String() != wantType {
		t.Fatalf("expected error type %q, got body %s", wantType, body)
	}
	if gjson.GetBytes(body, "error.message").String() == "" {
		t.Fatalf("missing error message in %s", body)
	}
}

func chatBody(model string, words int, extra string) string {
	content := strings.TrimSpace(strings.Repeat("word ", words))
	return fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":%q}]%s}`, model, content, extra)
}
