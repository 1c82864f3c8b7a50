package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records dispatcher activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	turns     *prometheus.CounterVec
	conflicts prometheus.Counter
	advisor   *prometheus.HistogramVec
}

// NewMetrics registers dispatcher collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Name:      "turns_total",
			Help:      "Turns handled, by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor",
			Name:      "version_conflicts_total",
			Help:      "Commit attempts that lost a version race.",
		}),
		advisor: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "advisor",
			Name:      "advisor_call_seconds",
			Help:      "Advisor call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.turns, m.conflicts, m.advisor)
	}
	return m
}

func (m *Metrics) turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) advisorCall(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.advisor.WithLabelValues(result).Observe(d.Seconds())
}
