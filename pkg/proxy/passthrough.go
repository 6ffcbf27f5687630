package proxy

import (
	"context"
	"net/http"
)

const routePassthrough = "passthrough"

// handlePassthrough forwards any request the proxy has no special handling
// for. The body is streamed through untouched.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := s.newBackendRequest(ctx, r, r.Method, r.URL.EscapedPath(), body)
	if err != nil {
		s.upstreamFailed(w, routePassthrough, err)
		return
	}
	req.ContentLength = r.ContentLength

	resp, err := s.client.Do(req)
	if err != nil {
		s.upstreamFailed(w, routePassthrough, err)
		return
	}
	defer resp.Body.Close()

	mode := relayBuffered
	if isStreamingContentType(resp.Header.Get("Content-Type")) {
		mode = relayStreaming
	}
	s.finishRelay(w, routePassthrough, relay(w, resp, mode))
}
