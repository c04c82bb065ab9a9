// Package metrics exposes Prometheus collectors for the api service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blinders_ws_connections",
		Help: "Open WebSocket connections.",
	})
	FanoutPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blinders_fanout_published_total",
		Help: "Events published on the fan-out bus by origin (local or remote).",
	}, []string{"origin"})
	FanoutDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blinders_fanout_delivered_total",
		Help: "Events queued to subscribers.",
	})
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blinders_fanout_dropped_subscribers_total",
		Help: "Subscribers closed because their buffer was full.",
	})
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blinders_messages_appended_total",
		Help: "Messages durably appended, by conversation kind.",
	}, []string{"kind"})
	UnlockFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blinders_unlock_failures_total",
		Help: "Wrong unlock passcodes.",
	})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blinders_http_request_duration_seconds",
		Help:    "HTTP request latency by method and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// Handler serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Hijack for WebSocket upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Instrument records request latency. Upgrade requests are passed through untouched.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, req)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		httpDuration.WithLabelValues(req.Method, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
