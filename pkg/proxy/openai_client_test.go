package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// fakeOpenAI answers like an OpenAI-compatible server and echoes the model it
// was asked for, so the tests can see what routing picked.
func fakeOpenAI(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	switch {
	case r.URL.Path == "/v1/models":
		jsonReply(http.StatusOK, `{"object":"list","data":[{"id":"small","object":"model","created":1715367049,"owned_by":"backend"}]}`)(w, r)
	case r.URL.Path == "/v1/chat/completions" && gjson.GetBytes(body, "stream").Bool():
		model := gjson.GetBytes(body, "model").String()
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", model, piece)
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	case r.URL.Path == "/v1/chat/completions":
		model := gjson.GetBytes(body, "model").String()
		system := gjson.GetBytes(body, `messages.#(role=="system").content`).String()
		jsonReply(http.StatusOK, fmt.Sprintf(
			`{"id":"c1","object":"chat.completion","created":1,"model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
			model, "system="+system))(w, r)
	default:
		http.NotFound(w, r)
	}
}

func newOpenAIClient(baseURL string) *openai.Client {
	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestOpenAIClientChatCompletion(t *testing.T) {
	backend := newFakeBackend(t, fakeOpenAI)
	proxy := serveProxy(t, newTestServer(t, backend.URL))
	client := newOpenAIClient(proxy.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	short, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    "auto",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if short.Model != "small" {
		t.Fatalf("expected small tier, got %q", short.Model)
	}

	long, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    "auto",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: strings.Repeat("tell me more ", 10)}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if long.Model != "large" {
		t.Fatalf("expected large tier, got %q", long.Model)
	}
	if len(long.Choices) == 0 || long.Choices[0].Message.Content != "system=be brief" {
		t.Fatalf("rewrite rule not applied: %+v", long.Choices)
	}
	if got := backend.last(t).Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("client credentials not forwarded: %q", got)
	}
}

func TestOpenAIClientChatCompletionStream(t *testing.T) {
	backend := newFakeBackend(t, fakeOpenAI)
	proxy := serveProxy(t, newTestServer(t, backend.URL))
	client := newOpenAIClient(proxy.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    "auto",
		Stream:   true,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if chunk.Model != "small" {
			t.Fatalf("expected routed model in chunk, got %q", chunk.Model)
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if sb.String() != "Hello" {
		t.Fatalf("unexpected streamed content %q", sb.String())
	}
}

func TestOpenAIClientListModels(t *testing.T) {
	backend := newFakeBackend(t, fakeOpenAI)
	proxy := serveProxy(t, newTestServer(t, backend.URL))
	client := newOpenAIClient(proxy.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	models, err := client.ListModels(ctx)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	seen := map[string]string{}
	for _, m := range models.Models {
		seen[m.ID] = m.OwnedBy
	}
	for id, owner := range map[string]string{"small": "backend", "auto": ownerRouting, "large": ownerRewrite, "no-stream": ownerRewrite} {
		if seen[id] != owner {
			t.Fatalf("model %q: expected owner %q, got %q (all: %v)", id, owner, seen[id], seen)
		}
	}
}
