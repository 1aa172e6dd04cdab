// Package metrics содержит Prometheus-метрики сверок, пробных периодов и HTTP.
// Все методы безопасно вызывать на nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics набор коллекторов сервиса.
type Metrics struct {
	sweepRuns        *prometheus.CounterVec
	sweepRecords     *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
	repeatedSkips    prometheus.Counter
	trialExpirations prometheus.Counter
	notifyFailures   prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New регистрирует коллекторы в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Number of finished sweeps by sweep name and result.",
		}, []string{"sweep", "result"}),
		sweepRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sweep_records_total",
			Help: "Records evaluated by sweeps, by outcome.",
		}, []string{"sweep", "outcome"}),
		sweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Sweep duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		repeatedSkips: f.NewCounter(prometheus.CounterOpts{
			Name: "sweep_repeated_skips_total",
			Help: "Subscriptions that reached the repeated anomaly skip threshold.",
		}),
		trialExpirations: f.NewCounter(prometheus.CounterOpts{
			Name: "trial_expirations_total",
			Help: "Trial periods moved to inactive.",
		}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications that could not be handed to the broker.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "path", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "code"}),
	}
}

// SweepFinished учитывает завершение прохода сверки.
func (m *Metrics) SweepFinished(sweep string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(sweep, result).Inc()
	m.sweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// RecordOutcome учитывает исход оценки одной записи.
func (m *Metrics) RecordOutcome(sweep, outcome string) {
	if m == nil {
		return
	}
	m.sweepRecords.WithLabelValues(sweep, outcome).Inc()
}

func (m *Metrics) RepeatedSkip() {
	if m == nil {
		return
	}
	m.repeatedSkips.Inc()
}

func (m *Metrics) TrialExpired() {
	if m == nil {
		return
	}
	m.trialExpirations.Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

// Middleware считает запросы и их длительность по шаблону маршрута chi.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		m.httpRequests.WithLabelValues(r.Method, path, code).Inc()
		m.httpDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}
