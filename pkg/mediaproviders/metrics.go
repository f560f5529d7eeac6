package mediaproviders

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	PayloadBytes    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagen",
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Total generation requests by provider and outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagen",
				Subsystem: "client",
				Name:      "http_attempts_total",
				Help:      "Total outbound HTTP attempts, retries included",
			},
			[]string{"provider"},
		),
		PayloadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagen",
				Subsystem: "client",
				Name:      "payload_bytes_total",
				Help:      "Total bytes of generated media",
			},
			[]string{"provider"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mediagen",
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Generation request duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "operation"},
		),
	}
}

func (m *Metrics) recordAttempt(provider string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) recordResult(res *Result, durationSec float64) {
	if m == nil || res == nil {
		return
	}
	outcome := "success"
	if !res.Success {
		outcome = string(res.Err.Kind)
	}
	m.RequestsTotal.WithLabelValues(res.Provider, string(res.Operation), outcome).Inc()
	m.RequestDuration.WithLabelValues(res.Provider, string(res.Operation)).Observe(durationSec)
	if res.Success {
		m.PayloadBytes.WithLabelValues(res.Provider).Add(float64(len(res.Payload)))
	}
}
