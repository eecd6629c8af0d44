package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gyro"

type metrics struct {
	watchers prometheus.Gauge
	fibers   prometheus.Gauge
	resumed  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "active_watchers",
			Help:      "Number of watchers currently keeping the reactor alive",
		}),
		fibers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "fibers",
			Help:      "Number of fibers that have not yet returned",
		}),
		resumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "resumptions_total",
			Help:      "Fiber resumptions by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.watchers, m.fibers, m.resumed)
	}
	return m
}

func (m *metrics) resumption(r Resumption) {
	outcome := "value"
	if r.Err != nil {
		outcome = "error"
	}
	m.resumed.WithLabelValues(outcome).Inc()
}
