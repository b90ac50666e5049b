// Package metrics exposes controller state and activity as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// Metrics holds the controller's collectors.
type Metrics struct {
	valveOpen   *prometheus.GaugeVec
	pumpOn      prometheus.Gauge
	pending     prometheus.Gauge
	transitions *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	commands    *prometheus.CounterVec
	publishErrs *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		valveOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irrigation_valve_open",
			Help: "1 while the valve is energized.",
		}, []string{"valve"}),
		pumpOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_pump_on",
			Help: "1 while the pump is energized.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_pending_transitions",
			Help: "Transitions waiting for their stagger or close delay.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_valve_transitions_total",
			Help: "Valve transitions by resulting state and cause.",
		}, []string{"state", "reason"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_alerts_total",
			Help: "Alerts raised by kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_commands_total",
			Help: "Commands received by source and outcome.",
		}, []string{"source", "result"}),
		publishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_publish_errors_total",
			Help: "Failed publishes by destination.",
		}, []string{"topic"}),
	}

	reg.MustRegister(m.valveOpen, m.pumpOn, m.pending, m.transitions, m.alerts, m.commands, m.publishErrs)

	for id := 1; id <= valve.Channels; id++ {
		m.valveOpen.WithLabelValues(strconv.Itoa(id)).Set(0)
	}
	return m
}

// ObserveSnapshot sets the gauges from a supervisor snapshot.
func (m *Metrics) ObserveSnapshot(s valve.Snapshot) {
	for _, c := range s.Channels {
		m.valveOpen.WithLabelValues(strconv.Itoa(c.ID)).Set(b2f(c.Open))
	}
	m.pumpOn.Set(b2f(s.Pump))
	m.pending.Set(float64(s.Pending))
}

// ObserveEvents counts transitions and alerts.
func (m *Metrics) ObserveEvents(events []valve.Event) {
	for _, e := range events {
		switch e.Type {
		case valve.EventStateChange:
			m.transitions.WithLabelValues(string(e.State), string(e.Reason)).Inc()
		case valve.EventAlert:
			m.alerts.WithLabelValues(string(e.Alert)).Inc()
		}
	}
}

// CommandResult counts a received command. result is "ok", "rejected" or "malformed".
func (m *Metrics) CommandResult(source, result string) {
	m.commands.WithLabelValues(source, result).Inc()
}

// PublishError counts a failed publish to topic.
func (m *Metrics) PublishError(topic string) {
	m.publishErrs.WithLabelValues(topic).Inc()
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
