// Package metrics exposes bridge counters on a private Prometheus registry.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements session.Observer. All methods are safe on a nil
// receiver, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionDenials     *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	ActivationsTotal   *prometheus.CounterVec
	ActivationDuration prometheus.Histogram
	AudioBytesTotal    *prometheus.CounterVec
	FunctionCalls      *prometheus.CounterVec
	FunctionDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	ConnectDenials     *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_bridge"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions with a live upstream connection",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions by lifecycle outcome",
		}, []string{"outcome"}),
		SessionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_denials_total",
			Help:      "Sessions refused by rate or capacity limits",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"reason"}),
		ActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Upstream activation attempts by result",
		}, []string{"result"}),
		ActivationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time to open the upstream connection",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes relayed",
		}, []string{"direction"}),
		FunctionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Function calls dispatched for the model",
		}, []string{"function", "result"}),
		FunctionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_duration_seconds",
			Help:      "Function dispatch latency",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"function"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Error events received from the realtime service",
		}, []string{"code"}),
		ConnectDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_denials_total",
			Help:      "Browser websocket connects refused before upgrade",
		}, []string{"reason"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration; websocket routes measure the whole connection",
			Buckets:   []float64{0.005, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDenials,
		m.SessionDuration,
		m.ActivationsTotal,
		m.ActivationDuration,
		m.AudioBytesTotal,
		m.FunctionCalls,
		m.FunctionDuration,
		m.UpstreamErrors,
		m.ConnectDenials,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// Registry is exposed for tests and for registering process collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("created").Inc()
}

func (m *Metrics) SessionDenied(reason string) {
	if m == nil {
		return
	}
	m.SessionDenials.WithLabelValues(reason).Inc()
	m.SessionsTotal.WithLabelValues("denied").Inc()
}

func (m *Metrics) SessionActivated(success bool, took time.Duration) {
	if m == nil {
		return
	}
	m.ActivationsTotal.WithLabelValues(result(success)).Inc()
	m.ActivationDuration.Observe(took.Seconds())
	if success {
		m.SessionsTotal.WithLabelValues("activated").Inc()
	}
}

func (m *Metrics) SessionEnded(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("ended").Inc()
	m.SessionDuration.WithLabelValues(reason).Observe(lifetime.Seconds())
}

func (m *Metrics) ActiveSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) AudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) FunctionCall(name string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	m.FunctionCalls.WithLabelValues(name, result(success)).Inc()
	m.FunctionDuration.WithLabelValues(name).Observe(took.Seconds())
}

func (m *Metrics) UpstreamError(code string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ConnectDenied(reason string) {
	if m == nil {
		return
	}
	m.ConnectDenials.WithLabelValues(reason).Inc()
}

// Instrument records request count and duration under a fixed route label.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		status := rw.status
		if rw.hijacked {
			status = http.StatusSwitchingProtocols
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// statusWriter captures the status code and keeps websocket upgrades working.
type statusWriter struct {
	http.ResponseWriter
	status   int
	wrote    bool
	hijacked bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.hijacked = true
	return h.Hijack()
}
