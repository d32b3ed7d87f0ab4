package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Verification attempts by resulting status and risk level
	VerificationOutcome *prometheus.CounterVec

	RiskScore prometheus.Histogram

	// OCR latency by result: "ok", "failed"
	OCRLatency *prometheus.HistogramVec

	// Illegal transitions by operation
	TransitionRejected *prometheus.CounterVec

	// Resolved verifications by final status and method
	Resolution *prometheus.CounterVec

	StatusCache *prometheus.CounterVec

	StartLatency prometheus.Histogram
}

// New registers all verification metrics on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VerificationOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustmate_verification_outcomes_total",
			Help: "Verification attempts by status after scoring and risk level",
		}, []string{"status", "level"}),

		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustmate_risk_score",
			Help:    "Distribution of risk scores",
			Buckets: []float64{0, 5, 10, 20, 40, 60, 80, 100},
		}),

		OCRLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustmate_ocr_duration_seconds",
			Help:    "Duration of text extraction calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),

		TransitionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustmate_transition_rejections_total",
			Help: "Operations refused by the verification state machine",
		}, []string{"operation"}),

		Resolution: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustmate_verification_resolutions_total",
			Help: "Verifications reaching a terminal status",
		}, []string{"status", "method"}),

		StatusCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustmate_status_cache_requests_total",
			Help: "Status reads by cache result",
		}, []string{"result"}), // result: "hit", "miss"

		StartLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustmate_verification_start_duration_seconds",
			Help:    "Duration of the full start-verification pipeline",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// ObserveVerification records a scored attempt.
func (m *Metrics) ObserveVerification(status, level string, score int) {
	if m != nil {
		m.VerificationOutcome.WithLabelValues(status, level).Inc()
		m.RiskScore.Observe(float64(score))
	}
}

// ObserveOCR records one extraction call.
func (m *Metrics) ObserveOCR(ok bool, d time.Duration) {
	if m != nil {
		result := "ok"
		if !ok {
			result = "failed"
		}
		m.OCRLatency.WithLabelValues(result).Observe(d.Seconds())
	}
}

// IncrementTransitionRejected records a refused operation.
func (m *Metrics) IncrementTransitionRejected(operation string) {
	if m != nil {
		m.TransitionRejected.WithLabelValues(operation).Inc()
	}
}

// IncrementResolution records a verification reaching a terminal status.
func (m *Metrics) IncrementResolution(status, method string) {
	if m != nil {
		m.Resolution.WithLabelValues(status, method).Inc()
	}
}

// IncrementStatusCache records a status read as a cache hit or miss.
func (m *Metrics) IncrementStatusCache(hit bool) {
	if m != nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		m.StatusCache.WithLabelValues(result).Inc()
	}
}

// ObserveStartLatency records the duration of StartVerification.
func (m *Metrics) ObserveStartLatency(d time.Duration) {
	if m != nil {
		m.StartLatency.Observe(d.Seconds())
	}
}
