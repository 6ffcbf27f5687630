package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/rewriteproxy/pkg/config"
	"github.com/lkarlslund/rewriteproxy/pkg/rewrite"
	"github.com/lkarlslund/rewriteproxy/pkg/routing"
	"github.com/lkarlslund/rewriteproxy/pkg/tokens"
	"github.com/lkarlslund/rewriteproxy/pkg/version"
	"golang.org/x/crypto/acme/autocert"
)

const (
	DefaultListenAddr     = "127.0.0.1:3034"
	DefaultRequestTimeout = 5 * time.Minute
	DefaultModelsTimeout  = 30 * time.Second
	DefaultMaxBodyBytes   = 50 << 20

	shutdownTimeout = 10 * time.Second
)

type TLSOptions struct {
	Domain   string
	Email    string
	CacheDir string
}

func (t TLSOptions) Enabled() bool { return strings.TrimSpace(t.Domain) != "" }

type Options struct {
	ListenAddr string
	// AdminAddr serves health, metrics and version. Empty disables it.
	AdminAddr      string
	RequestTimeout time.Duration
	ModelsTimeout  time.Duration
	MaxBodyBytes   int64
	TLS            TLSOptions

	// Tokenizer overrides the cl100k_base tokenizer, mainly for tests.
	Tokenizer tokens.Tokenizer
	Transport http.RoundTripper
}

func DefaultOptions() Options {
	return Options{
		ListenAddr:     DefaultListenAddr,
		RequestTimeout: DefaultRequestTimeout,
		ModelsTimeout:  DefaultModelsTimeout,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.ListenAddr == "" {
		o.ListenAddr = d.ListenAddr
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ModelsTimeout <= 0 {
		o.ModelsTimeout = d.ModelsTimeout
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = d.MaxBodyBytes
	}
	if o.Transport == nil {
		o.Transport = http.DefaultTransport
	}
}

type Server struct {
	cfg         *config.Config
	opts        Options
	backendBase string

	estimator *tokens.Estimator
	router    *routing.Router
	rewriter  *rewrite.Rewriter
	client    *http.Client
	metrics   *Metrics

	handler     http.Handler
	httpServer  *http.Server
	adminServer *http.Server

	active   atomic.Int64
	draining atomic.Bool
}

// NewServer wires a proxy for cfg. cfg must already be validated; it is
// shared read-only by every request.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	opts.applyDefaults()

	tok := opts.Tokenizer
	if tok == nil {
		bpe, err := tokens.NewBPETokenizer()
		if err != nil {
			return nil, fmt.Errorf("init tokenizer: %w", err)
		}
		tok = bpe
	}
	estimator := tokens.NewEstimator(tok)

	s := &Server{
		cfg:         cfg,
		opts:        opts,
		backendBase: strings.TrimRight(cfg.BackendURL, "/"),
		estimator:   estimator,
		router:      routing.NewRouter(cfg.RoutingRules, estimator),
		rewriter:    rewrite.New(cfg.RewriteRules),
		metrics:     NewMetrics(),
		client: &http.Client{
			Transport: opts.Transport,
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(requestLogFormatter{}))
	r.Use(recoverer)
	r.Use(s.drainGate)

	r.Post(chatCompletionsPath, s.metrics.instrument(routeChat, s.handleChatCompletions))
	r.Get(modelsPath, s.metrics.instrument(routeModels, s.handleModels))
	passthrough := s.metrics.instrument(routePassthrough, s.handlePassthrough)
	r.NotFound(passthrough)
	r.MethodNotAllowed(passthrough)
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams may legitimately run for the whole request timeout; the
		// outbound context deadline bounds them instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	if opts.AdminAddr != "" {
		s.adminServer = &http.Server{
			Addr:              opts.AdminAddr,
			Handler:           s.adminRoutes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Handler returns the proxy's HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Metrics() *Metrics { return s.metrics }

// Close releases the tokenizer. Run calls it on the way out.
func (s *Server) Close() error { return s.estimator.Close() }

func (s *Server) adminRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if s.draining.Load() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Current())
	})
	return r
}

type listener struct {
	name string
	srv  *http.Server
	ln   net.Listener
	tls  bool
}

// Run binds every listener, serves until ctx is cancelled, then drains. A
// bind failure is returned before anything is served.
func (s *Server) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	servers, err := s.bind()
	if err != nil {
		return err
	}

	errCh := make(chan error, len(servers))
	for _, l := range servers {
		go func(l listener) {
			log.Info("listening", "server", l.name, "addr", l.ln.Addr().String(), "tls", l.tls)
			var serveErr error
			if l.tls {
				serveErr = l.srv.ServeTLS(l.ln, "", "")
			} else {
				serveErr = l.srv.Serve(l.ln)
			}
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", l.name, serveErr)
			}
		}(l)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.draining.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.waitForIdle(shutdownCtx)
	for _, l := range servers {
		_ = l.srv.Shutdown(shutdownCtx)
	}
	if runErr != nil {
		return runErr
	}
	return firstErr(errCh)
}

func (s *Server) bind() ([]listener, error) {
	var out []listener
	closeAll := func() {
		for _, l := range out {
			_ = l.ln.Close()
		}
	}
	listen := func(name string, srv *http.Server, useTLS bool) error {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s on %s: %w", name, srv.Addr, err)
		}
		out = append(out, listener{name: name, srv: srv, ln: ln, tls: useTLS})
		return nil
	}

	if s.opts.TLS.Enabled() {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.opts.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.opts.TLS.Domain),
			Email:      s.opts.TLS.Email,
		}
		s.httpServer.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := listen("https", s.httpServer, true); err != nil {
			return nil, err
		}
		if err := listen("acme challenge", challenge, false); err != nil {
			closeAll()
			return nil, err
		}
	} else if err := listen("proxy", s.httpServer, false); err != nil {
		return nil, err
	}

	if s.adminServer != nil {
		if err := listen("admin", s.adminServer, false); err != nil {
			closeAll()
			return nil, err
		}
	}
	return out, nil
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
