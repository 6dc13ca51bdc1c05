package channel

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	messages    *prometheus.CounterVec
	connections prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomctl",
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Messages received, by transport and whether they were handled.",
		}, []string{"transport", "outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomctl",
			Subsystem: "channel",
			Name:      "websocket_connections",
			Help:      "Open websocket connections.",
		}),
	}
	reg.MustRegister(m.messages, m.connections)
	return m
}
