package proxy

import (
	"net/http"
	"strings"
)

// Request headers that only describe the client-to-proxy hop.
var hopRequestHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	// The outbound transport negotiates its own compression and hands the
	// relay an identity body.
	"Accept-Encoding",
}

// Response headers that describe the backend-to-proxy hop.
var hopResponseHeaders = map[string]struct{}{
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

// outboundHeaders clones the inbound headers minus hop-specific ones,
// including any named in the Connection header.
func outboundHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, h := range hopRequestHeaders {
		out.Del(h)
	}
	return out
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		if _, skip := hopResponseHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// isStreamingContentType reports whether a backend content type should be
// relayed incrementally on the generic path.
func isStreamingContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson")
}
