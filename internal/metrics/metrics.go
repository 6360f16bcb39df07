// Package metrics exposes Prometheus counters for serial sessions.
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spp_serial"

// Recorder holds the session metrics.
type Recorder struct {
	gatherer prometheus.Gatherer

	sessionsStarted   *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	reads             prometheus.Counter
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
	writeErrors       prometheus.Counter
	reconnectAttempts *prometheus.CounterVec
	reconnectDelay    *prometheus.HistogramVec
	disconnects       *prometheus.CounterVec
}

// New registers the metrics on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the metrics on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Recorder {
	r := &Recorder{
		gatherer: g,
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions established, by mode.",
		}, []string{"mode"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions whose worker is running.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Successful reads delivered to the sink.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes delivered to the sink.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to the socket.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Writes dropped because the socket failed.",
		}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts, by mode and result.",
		}, []string{"mode", "result"}),
		reconnectDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Waits applied between reconnection attempts.",
			Buckets:   []float64{0, 0.1, 1, 5, 10, 30},
		}, []string{"mode"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Finished sessions, by the side that ended them.",
		}, []string{"by"}),
	}
	reg.MustRegister(
		r.sessionsStarted,
		r.sessionsActive,
		r.reads,
		r.bytesRead,
		r.bytesWritten,
		r.writeErrors,
		r.reconnectAttempts,
		r.reconnectDelay,
		r.disconnects,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// SessionStarted counts a new session and marks it active.
func (r *Recorder) SessionStarted(mode string) {
	if r == nil {
		return
	}
	r.sessionsStarted.WithLabelValues(mode).Inc()
	r.sessionsActive.Inc()
}

// SessionEnded marks a session inactive and counts who ended it.
func (r *Recorder) SessionEnded(byRemote bool) {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
	by := "local"
	if byRemote {
		by = "remote"
	}
	r.disconnects.WithLabelValues(by).Inc()
}

// Read counts one delivered read of n bytes.
func (r *Recorder) Read(n int) {
	if r == nil {
		return
	}
	r.reads.Inc()
	r.bytesRead.Add(float64(n))
}

// Written counts n bytes written.
func (r *Recorder) Written(n int) {
	if r == nil {
		return
	}
	r.bytesWritten.Add(float64(n))
}

// WriteError counts a dropped write.
func (r *Recorder) WriteError() {
	if r == nil {
		return
	}
	r.writeErrors.Inc()
}

// ReconnectAttempt counts one attempt; ok is its outcome.
func (r *Recorder) ReconnectAttempt(mode string, ok bool) {
	if r == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	r.reconnectAttempts.WithLabelValues(mode, result).Inc()
}

// ReconnectDelay observes a wait between attempts, in seconds.
func (r *Recorder) ReconnectDelay(mode string, seconds float64) {
	if r == nil {
		return
	}
	r.reconnectDelay.WithLabelValues(mode).Observe(seconds)
}
