package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	ChallengeOutcomes *prometheus.CounterVec
	PairingCodes      *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	FrameTickDuration prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active verification sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ChallengeOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenge_outcomes_total",
			Help:      "Resolved challenge attempts by result.",
		}, []string{"result"}),
		PairingCodes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_codes_total",
			Help:      "Pairing code lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FrameTickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_tick_duration_ms",
			Help:      "Time to run one frame through the liveness pipeline in milliseconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 50, 100},
		}),
	}
}

func (m *Metrics) ObserveFrameTick(d time.Duration) {
	m.FrameTickDuration.Observe(float64(d.Nanoseconds()) / 1e6)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
