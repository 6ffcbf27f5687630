package proxy

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

// requestLogFormatter feeds chi's RequestLogger into the process logger.
type requestLogFormatter struct{}

func (requestLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &requestLogEntry{
		method:    r.Method,
		path:      r.URL.Path,
		remote:    r.RemoteAddr,
		requestID: middleware.GetReqID(r.Context()),
	}
}

type requestLogEntry struct {
	method    string
	path      string
	remote    string
	requestID string
}

func (e *requestLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	log.Info("request",
		"method", e.method,
		"path", e.path,
		"status", status,
		"bytes", bytes,
		"elapsed", elapsed.Round(time.Millisecond),
		"remote", e.remote,
		"request_id", e.requestID,
	)
}

func (e *requestLogEntry) Panic(v interface{}, stack []byte) {
	log.Error("handler panic", "value", v, "request_id", e.requestID, "stack", string(stack))
}

// recoverer reports handler panics as a 500 server_error when nothing has
// been written yet. http.ErrAbortHandler is passed on so net/http drops the
// connection.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Error("recovered from panic", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
			if ww.Status() != 0 {
				panic(http.ErrAbortHandler)
			}
			writeError(ww, http.StatusInternalServerError, errTypeServer, "Internal server error")
		}()
		next.ServeHTTP(ww, r)
	})
}

// drainGate rejects new work once shutdown has begun and tracks requests
// still in flight.
func (s *Server) drainGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, errTypeServer, "Server shutting down")
			return
		}
		s.active.Add(1)
		defer s.active.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	var lastLog time.Time
	for {
		n := s.active.Load()
		if n <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "count", n)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: drain budget exceeded", "active", n)
			return
		case <-t.C:
		}
	}
}
