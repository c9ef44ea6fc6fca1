package rental

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	opened    prometheus.Counter
	closed    prometheus.Counter
	conflicts *prometheus.CounterVec
	revenue   prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rentals_opened_total",
			Help: "Total number of rentals opened",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rentals_closed_total",
			Help: "Total number of rentals closed",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rental_conflicts_total",
			Help: "Open or close attempts rejected because of a conflicting rental state",
		}, []string{"op"}),
		revenue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_revenue_total",
			Help: "Sum of fees of closed rentals",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.opened, m.closed, m.conflicts, m.revenue)
}
