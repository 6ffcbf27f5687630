package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeProxy          = "proxy_error"
	errTypeServer         = "server_error"
)

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorDetail{Message: message, Type: errType}})
}

// writeUpstreamError reports a failure talking to the backend. Deadline
// overruns become 504, everything else 502.
func writeUpstreamError(w http.ResponseWriter, err error, message string) {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
		message = "Backend request timed out"
	}
	writeError(w, status, errTypeProxy, message)
}
