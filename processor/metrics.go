package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts processed instructions by transition and outcome.
type Metrics struct {
	instructions *prometheus.CounterVec
	transferred  prometheus.Counter
}

// NewMetrics registers the processor counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rental",
			Subsystem: "processor",
			Name:      "instructions_total",
			Help:      "Instructions processed, by transition and result class.",
		}, []string{"transition", "result"}),
		transferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rental",
			Subsystem: "processor",
			Name:      "rent_transferred_total",
			Help:      "Total rent moved from payers to payees.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.instructions, m.transferred)
	}
	return m
}

func (m *Metrics) observe(transition string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = ClassOf(err).String()
	}
	m.instructions.WithLabelValues(transition, result).Inc()
}

func (m *Metrics) addTransferred(amount uint64) {
	if m == nil {
		return
	}
	m.transferred.Add(float64(amount))
}
