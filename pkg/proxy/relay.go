package proxy

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
)

const relayBufferSize = 32 * 1024

// relayMode selects how a backend response body reaches the client.
type relayMode int

const (
	relayBuffered relayMode = iota
	relayStreaming
)

func (m relayMode) String() string {
	if m == relayStreaming {
		return "streaming"
	}
	return "buffered"
}

// relayError is a failure while relaying a backend body. headersSent tells
// the caller whether a JSON error can still be written.
type relayError struct {
	err         error
	headersSent bool
}

func (e *relayError) Error() string { return "relay: " + e.err.Error() }
func (e *relayError) Unwrap() error { return e.err }

// relay copies resp to w in the given mode. It never writes an error body
// itself; see finishRelay.
func relay(w http.ResponseWriter, resp *http.Response, mode relayMode) error {
	if mode == relayStreaming {
		return relayStream(w, resp)
	}
	return relayBuffer(w, resp)
}

func relayBuffer(w http.ResponseWriter, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &relayError{err: err}
	}
	copyResponseHeaders(w.Header(), resp.Header)
	if resp.Request == nil || resp.Request.Method != http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		return &relayError{err: err, headersSent: true}
	}
	return nil
}

func relayStream(w http.ResponseWriter, resp *http.Response) error {
	buf := make([]byte, relayBufferSize)

	// Hold the headers back until the backend has produced something, so a
	// dead stream still gets a proper error status.
	n, readErr := readChunk(resp.Body, buf)
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return &relayError{err: readErr}
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	for {
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return &relayError{err: err, headersSent: true}
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return &relayError{err: readErr, headersSent: true}
		}
		n, readErr = resp.Body.Read(buf)
	}
}

// readChunk reads until at least one byte or an error arrives.
func readChunk(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// finishRelay turns a relay failure into the right client-visible outcome:
// a JSON error while the status line is still unsent, a dropped connection
// afterwards.
func (s *Server) finishRelay(w http.ResponseWriter, route string, err error) {
	if err == nil {
		return
	}
	s.metrics.upstreamErrors.WithLabelValues(route).Inc()
	var re *relayError
	if errors.As(err, &re) && re.headersSent {
		s.metrics.streamAborts.Inc()
		log.Warn("aborting client connection mid-response", "route", route, "err", re.err)
		panic(http.ErrAbortHandler)
	}
	log.Error("backend response failed", "route", route, "err", err)
	writeUpstreamError(w, err, "Failed to read backend response")
}
