// Package metrics - Prometheus instrumentation for detection sessions.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons.
const (
	SkipFrame     = "frame"
	SkipInference = "inference"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Frame processing counters
	FramesAcquired   atomic.Uint64
	ResultsPublished atomic.Uint64
	Detections       atomic.Uint64

	// Session counters
	SessionsStarted atomic.Uint64
	SessionsFailed  atomic.Uint64

	// Current session state as its enum value
	SessionState atomic.Int64

	skipped          *prometheus.CounterVec
	classifications  *prometheus.CounterVec
	inferenceSeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detect_frames_skipped_total",
			Help: "Frames skipped after a recoverable frame or inference error",
		}, []string{"reason"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detect_classifications_total",
			Help: "Accepted classifications per class",
		}, []string{"class"}),
		inferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detect_inference_seconds",
			Help:    "Detector latency per frame",
			Buckets: []float64{.005, .01, .02, .033, .05, .1, .2, .5, 1, 2},
		}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.skipped, m.classifications, m.inferenceSeconds)

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "detect_frames_acquired_total",
			Help: "Frames read from the active source",
		},
		func() float64 { return float64(m.FramesAcquired.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "detect_results_published_total",
			Help: "Results appended to history",
		},
		func() float64 { return float64(m.ResultsPublished.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "detect_sessions_started_total",
			Help: "Sessions that reached Running",
		},
		func() float64 { return float64(m.SessionsStarted.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "detect_sessions_failed_total",
			Help: "Sessions that ended in Failed",
		},
		func() float64 { return float64(m.SessionsFailed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_session_state",
			Help: "Current session state (0=idle 1=opening 2=running 3=stopping 4=stopped 5=failed)",
		},
		func() float64 { return float64(m.SessionState.Load()) },
	))
}

// FrameAcquired counts one frame read from the source.
func (m *Metrics) FrameAcquired() {
	if m == nil {
		return
	}
	m.FramesAcquired.Add(1)
}

// Skipped counts a frame dropped for reason.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// ObserveInference records one detector call.
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceSeconds.Observe(d.Seconds())
}

// Published counts one result and its accepted classifications by class name.
func (m *Metrics) Published(classNames []string) {
	if m == nil {
		return
	}
	m.ResultsPublished.Add(1)
	m.Detections.Add(uint64(len(classNames)))
	for _, name := range classNames {
		m.classifications.WithLabelValues(name).Inc()
	}
}

// SessionStarted counts a session reaching Running.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Add(1)
}

// SessionFailed counts a session ending in Failed.
func (m *Metrics) SessionFailed() {
	if m == nil {
		return
	}
	m.SessionsFailed.Add(1)
}

// SetState records the current session state.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Store(int64(state))
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
