package proxy

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestPassthroughForwardsMethodPathQueryAndBody(t *testing.T) {
	backend := newFakeBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/v1/files/abc")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	})
	proxy := serveProxy(t, newTestServer(t, backend.URL))

	payload := "\x00binary\xffpayload"
	req, err := http.NewRequest(http.MethodPut, proxy.URL+"/v1/files/a%2Fb?purpose=fine-tune&x=1", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusCreated || string(body) != "created" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Location") != "/v1/files/abc" {
		t.Fatalf("redirect-style header lost: %v", resp.Header)
	}
	got := backend.last(t)
	if got.Method != http.MethodPut || got.RawPath != "/v1/files/a%2Fb" {
		t.Fatalf("unexpected method/path %s %s", got.Method, got.RawPath)
	}
	if got.RawQuery != "purpose=fine-tune&x=1" {
		t.Fatalf("query not preserved: %q", got.RawQuery)
	}
	if string(got.Body) != payload {
		t.Fatalf("body not byte-identical: %q", got.Body)
	}
	if got.Header.Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("content type changed: %q", got.Header.Get("Content-Type"))
	}
}

func TestPassthroughHandlesOtherMethodsOnKnownPaths(t *testing.T) {
	backend := newFakeBackend(t, jsonReply(http.StatusOK, `{"seen":true}`))
	proxy := serveProxy(t, newTestServer(t, backend.URL))

	resp, err := http.Get(proxy.URL + "/v1/chat/completions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if body := readBody(t, resp); string(body) != `{"seen":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if got := backend.last(t); got.Method != http.MethodGet || got.Path != "/v1/chat/completions" {
		t.Fatalf("unexpected backend request %s %s", got.Method, got.Path)
	}
	if resp.Header.Get("Allow") != "" {
		t.Fatal("router must not answer with its own 405")
	}
}

func TestPassthroughDoesNotFollowRedirects(t *testing.T) {
	backend := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	proxy := serveProxy(t, newTestServer(t, backend.URL))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(proxy.URL + "/dashboard")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/elsewhere" {
		t.Fatalf("expected relayed 302, got %d %v", resp.StatusCode, resp.Header)
	}
	if backend.count() != 1 {
		t.Fatalf("proxy followed the redirect: %d backend requests", backend.count())
	}
}

func TestPassthroughStreamsEventStreams(t *testing.T) {
	backend := newFakeBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, ev := range []string{"a", "b", "c"} {
			_, _ = io.WriteString(w, "data: "+ev+"\n\n")
			w.(http.Flusher).Flush()
		}
	})
	proxy := serveProxy(t, newTestServer(t, backend.URL))

	resp, err := http.Get(proxy.URL + "/v1/responses/r1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.ContentLength != -1 {
		t.Fatalf("streamed response must not carry a length, got %d", resp.ContentLength)
	}
	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	if strings.Join(events, ",") != "a,b,c" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestPassthroughBackendUnreachable(t *testing.T) {
	backend := newFakeBackend(t, jsonReply(http.StatusOK, `{}`))
	url := backend.URL
	backend.Close()
	proxy := serveProxy(t, newTestServer(t, url))

	resp, err := http.Get(proxy.URL + "/v1/embeddings")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	requireErrorEnvelope(t, readBody(t, resp), errTypeProxy)
}
