package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	widget "github.com/supportline/widget-go"
)

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// Metrics exports widget connection events and dev server HTTP traffic to
// Prometheus. It implements widget.MetricsRecorder.
type Metrics struct {
	registry *prometheus.Registry

	attempts  *prometheus.CounterVec
	successes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	state     *prometheus.GaugeVec

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
}

var _ widget.MetricsRecorder = (*Metrics)(nil)

func New(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:   r,
		attempts:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "connect_attempts_total"}, []string{"channel"}),
		successes:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "connect_successes_total"}, []string{"channel"}),
		failures:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "connect_failures_total"}, []string{"channel", "reason"}),
		fallbacks:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "fallback_activations_total"}, []string{"channel"}),
		latency:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "connect_latency_seconds", Buckets: latencyBuckets}, []string{"channel"}),
		state:      prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "connection_state"}, []string{"channel", "state"}),
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds"}, []string{"method", "route", "status"}),
	}
	r.MustRegister(m.attempts, m.successes, m.failures, m.fallbacks, m.latency, m.state, m.httpReqCnt, m.httpDur)
	return m
}

func (m *Metrics) ConnectAttempt(channel string) {
	m.attempts.WithLabelValues(channel).Inc()
}

func (m *Metrics) ConnectSuccess(channel string, latency time.Duration) {
	m.successes.WithLabelValues(channel).Inc()
	m.latency.WithLabelValues(channel).Observe(latency.Seconds())
}

func (m *Metrics) ConnectFailure(channel, reason string) {
	m.failures.WithLabelValues(channel, reason).Inc()
}

// StateChange sets the gauge of the new state to 1 and the old one to 0.
func (m *Metrics) StateChange(channel string, from, to widget.ConnectionState) {
	m.state.WithLabelValues(channel, string(from)).Set(0)
	m.state.WithLabelValues(channel, string(to)).Set(1)
}

func (m *Metrics) Fallback(channel string) {
	m.fallbacks.WithLabelValues(channel).Inc()
}

// Middleware records request counts and durations per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
