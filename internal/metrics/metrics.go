package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes recorded by ObserveTurn.
const (
	OutcomeOK         = "ok"
	OutcomeValidation = "validation_error"
	OutcomeNotFound   = "not_found"
	OutcomeUpstream   = "upstream_error"
	OutcomeInternal   = "internal_error"
)

// Metrics owns its own registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	turns              *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	storeOps           *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Conversation turns handled, by outcome.",
		}, []string{"outcome"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "completion_request_duration_seconds",
			Help:    "Latency of completion provider calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"provider", "result"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Document store operations, by operation and result.",
		}, []string{"op", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.turns,
		m.completionDuration,
		m.storeOps,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveTurn(outcome string) {
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCompletion(provider string, d time.Duration, err error) {
	m.completionDuration.WithLabelValues(provider, result(err)).Observe(d.Seconds())
}

func (m *Metrics) ObserveStore(op string, err error) {
	m.storeOps.WithLabelValues(op, result(err)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by chi route pattern so path parameters do not
// explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
