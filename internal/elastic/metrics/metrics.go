// Package metrics exposes the elastic driver's control-plane state as
// Prometheus collectors. The driver only ever writes these; nothing in the
// control loop reads them back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

// Metrics groups the driver's Prometheus collectors. The zero value is not
// usable; construct with New and register the result with a registerer.
type Metrics struct {
	AvailableSlots   prometheus.Gauge
	AssignedHosts    prometheus.Gauge
	BlacklistedHosts prometheus.Gauge
	RendezvousID     prometheus.Gauge
	WorldSize        prometheus.Gauge
	WorkerStateTotal *prometheus.CounterVec
}

// New constructs a Metrics bundle under the given namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		AvailableSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_slots",
			Help:      "Slots currently reported by discovery, excluding blacklisted hosts.",
		}),
		AssignedHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assigned_hosts",
			Help:      "Number of hosts assigned in the current rendezvous generation.",
		}),
		BlacklistedHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blacklisted_hosts",
			Help:      "Number of hosts permanently excluded for this driver's lifetime.",
		}),
		RendezvousID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rendezvous_id",
			Help:      "Current rendezvous generation id.",
		}),
		WorldSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "world_size",
			Help:      "Total slots in the current rendezvous generation.",
		}),
		WorkerStateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_state_total",
			Help:      "Terminal worker reports observed, by state.",
		}, []string{"state"}),
	}
}

// Register adds every collector to reg. Safe to call once per Metrics value.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.AvailableSlots,
		m.AssignedHosts,
		m.BlacklistedHosts,
		m.RendezvousID,
		m.WorldSize,
		m.WorkerStateTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveWorkerState increments the counter for the reported state.
func (m *Metrics) ObserveWorkerState(state types.WorkerState) {
	m.WorkerStateTotal.WithLabelValues(string(state)).Inc()
}
