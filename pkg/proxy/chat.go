package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/rewriteproxy/pkg/chat"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	routeChat           = "chat"
)

// handleChatCompletions runs the body through routing and rewriting before
// forwarding it. Rule failures are logged and the request goes out as it
// stands at that point.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "Failed to read request body")
		return
	}

	out, err := s.prepareChatBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "Invalid JSON in request body")
		return
	}

	mode := relayBuffered
	if gjson.GetBytes(out, "stream").Type == gjson.True {
		mode = relayStreaming
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	req, err := s.newBackendRequest(ctx, r, http.MethodPost, chatCompletionsPath, bytes.NewReader(out))
	if err != nil {
		s.upstreamFailed(w, routeChat, err)
		return
	}
	req.ContentLength = int64(len(out))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.upstreamFailed(w, routeChat, err)
		return
	}
	defer resp.Body.Close()

	log.Debug("relaying chat completion", "status", resp.StatusCode, "mode", mode)
	s.finishRelay(w, routeChat, relay(w, resp, mode))
}

// prepareChatBody returns the body to send upstream. Only a body that is not
// a JSON object is an error.
func (s *Server) prepareChatBody(body []byte) ([]byte, error) {
	req, err := chat.ParseRequest(body)
	if err != nil {
		return nil, err
	}
	out := req.Raw()
	model := req.Model()
	if model == "" {
		return out, nil
	}

	if d, ok := s.router.Route(model, req.Messages()); ok {
		routed, err := sjson.SetBytes(out, "model", d.Selected)
		if err != nil {
			log.Warn("failed to substitute routed model", "model", model, "err", err)
		} else {
			log.Info("routing model",
				"requested", d.Requested,
				"selected", d.Selected,
				"context_length", d.ContextLength,
				"tokens", d.Tokens,
			)
			s.metrics.routed.WithLabelValues(d.Requested, d.Selected).Inc()
			out = routed
			model = d.Selected
		}
	}

	rewritten, applied, err := s.rewriter.Rewrite(out, model)
	switch {
	case err != nil:
		log.Warn("rewrite failed, forwarding body unchanged", "model", model, "err", err)
	case applied:
		s.metrics.rewrites.WithLabelValues(model).Inc()
		out = rewritten
	}
	return out, nil
}

// newBackendRequest addresses path on the backend, keeping the inbound
// query string and end-to-end headers.
func (s *Server) newBackendRequest(ctx context.Context, r *http.Request, method, path string, body io.Reader) (*http.Request, error) {
	target := s.backendBase + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header = outboundHeaders(r.Header)
	return req, nil
}

func (s *Server) upstreamFailed(w http.ResponseWriter, route string, err error) {
	s.metrics.upstreamErrors.WithLabelValues(route).Inc()
	log.Error("backend request failed", "route", route, "err", err)
	writeUpstreamError(w, err, "Failed to reach backend")
}
