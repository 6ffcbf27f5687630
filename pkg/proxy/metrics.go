package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one Server. Each Server owns
// its registry so tests can build several servers in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	routed         *prometheus.CounterVec
	rewrites       *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	streamAborts   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewriteproxy_requests_total",
				Help: "Requests handled, by route and response status",
			},
			[]string{"route", "code"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rewriteproxy_request_duration_seconds",
				Help:    "Time from request start to the end of the relayed response",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "rewriteproxy_requests_in_flight",
			Help: "Requests currently being proxied",
		}),
		routed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewriteproxy_routed_total",
				Help: "Virtual model substitutions, by requested and selected model",
			},
			[]string{"virtual", "backend"},
		),
		rewrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewriteproxy_rewrites_total",
				Help: "Request bodies rewritten, by rule model",
			},
			[]string{"model"},
		),
		upstreamErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewriteproxy_upstream_errors_total",
				Help: "Backend requests that failed before or during the response",
			},
			[]string{"route"},
		),
		streamAborts: f.NewCounter(prometheus.CounterOpts{
			Name: "rewriteproxy_stream_aborts_total",
			Help: "Streaming responses cut off after headers were sent",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// instrument records request count, latency and in-flight state under a
// fixed route label.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inFlight.Inc()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			m.inFlight.Dec()
			status := ww.Status()
			switch {
			case status == 0 && rec != nil:
				status = http.StatusInternalServerError
			case status == 0:
				status = http.StatusOK
			}
			m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			if rec != nil {
				panic(rec)
			}
		}()
		next(ww, r)
	}
}
