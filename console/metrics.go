package console

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomctl",
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Commands received, by name and result.",
		}, []string{"command", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "roomctl",
			Subsystem: "console",
			Name:      "command_duration_seconds",
			Help:      "Time taken to handle a command.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"command"}),
	}
	reg.MustRegister(m.commands, m.duration)
	return m
}

func (m *metrics) observe(command, result string, d time.Duration) {
	m.commands.WithLabelValues(command, result).Inc()
	if d > 0 {
		m.duration.WithLabelValues(command).Observe(d.Seconds())
	}
}
