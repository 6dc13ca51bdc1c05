package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	rooms      prometheus.Gauge
	operations *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomctl",
			Subsystem: "fleet",
			Name:      "rooms",
			Help:      "The number of live rooms.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomctl",
			Subsystem: "fleet",
			Name:      "operations_total",
			Help:      "The number of fleet operations by result.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(m.rooms, m.operations)
	return m
}

func (m *metrics) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}
