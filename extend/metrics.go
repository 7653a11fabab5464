package extend

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports controller activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	rounds    *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	pruned    *prometheus.CounterVec
	confirmed *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extend",
			Name:      "rounds_total",
			Help:      "Extension rounds by outcome.",
		}, []string{"controller", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extend",
			Name:      "ladder_attempts_total",
			Help:      "Retry ladder attempts by tier and result.",
		}, []string{"controller", "tier", "result"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extend",
			Name:      "pruned_items_total",
			Help:      "Confirmed items removed as inaccurate.",
		}, []string{"controller"}),
		confirmed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extend",
			Name:      "confirmed_items",
			Help:      "Current size of the confirmed set.",
		}, []string{"controller"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extend",
			Name:      "round_duration_seconds",
			Help:      "Wall time of a single round.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"controller"}),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.rounds, m.attempts, m.pruned, m.confirmed, m.duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeRound(r RoundReport) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(r.Controller, r.Outcome.String()).Inc()
	if len(r.Pruned) > 0 {
		m.pruned.WithLabelValues(r.Controller).Add(float64(len(r.Pruned)))
	}
	m.confirmed.WithLabelValues(r.Controller).Set(float64(r.Confirmed))
	m.duration.WithLabelValues(r.Controller).Observe(r.Duration.Seconds())
}

func (m *Metrics) observeAttempt(controller, tier string, result AttemptResult) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(controller, tier, result.String()).Inc()
}

func (m *Metrics) observeConfirmed(controller string, n int) {
	if m == nil {
		return
	}
	m.confirmed.WithLabelValues(controller).Set(float64(n))
}
