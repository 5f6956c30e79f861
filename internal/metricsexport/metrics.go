// Package metricsexport publishes the maintenance loop's per-tick
// aggregates as Prometheus metrics, with names and the counter/gauge
// split specified in the original metrics module.
package metricsexport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels the ingress (ToServer) vs egress (ToClient) half of a
// flow for the per-direction, per-backend metrics.
type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

// Sink holds every metric xlb exports and the registry they're bound to.
type Sink struct {
	registry *prometheus.Registry

	globalBackendsAvailable   prometheus.Gauge
	globalConnectionsActive   prometheus.Gauge
	globalClientsActive       prometheus.Gauge
	globalConnectionsOpened   prometheus.Counter
	globalConnectionsClosed   prometheus.Counter
	globalConnectionsOrphaned prometheus.Counter

	mbps        *prometheus.GaugeVec
	pps         *prometheus.GaugeVec
	flowsActive *prometheus.GaugeVec
	flowsClosed *prometheus.CounterVec
	bytes       *prometheus.CounterVec
}

// New builds a Sink with all metrics registered against a fresh registry,
// so tests and production instances never collide on the default
// process-wide registry.
func New() *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,
		globalBackendsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xlb_global_backends_available",
			Help: "Number of backend hosts the provider currently lists.",
		}),
		globalConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xlb_global_connections_active",
			Help: "Number of active flows, each direction of a connection counted separately.",
		}),
		globalClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xlb_global_clients_active",
			Help: "Number of distinct client IPs with at least one active flow.",
		}),
		globalConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlb_global_connections_opened",
			Help: "Total flows created; each accepted SYN creates two, one per direction.",
		}),
		globalConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlb_global_connections_closed",
			Help: "Total flows reaped after a FIN/FIN or RST close or after idling past the orphan TTL.",
		}),
		globalConnectionsOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlb_global_connections_orphaned",
			Help: "Total flows found idle past the orphan TTL.",
		}),
		mbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xlb_mbps",
			Help: "Megabits per second observed since the previous tick, by direction and backend.",
		}, []string{"direction", "backend"}),
		pps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xlb_pps",
			Help: "Packets per second observed since the previous tick, by direction and backend.",
		}, []string{"direction", "backend"}),
		flowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xlb_flows_active",
			Help: "Active flows, by direction and backend.",
		}, []string{"direction", "backend"}),
		flowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlb_flows_closed",
			Help: "Total closed flows, by direction and backend.",
		}, []string{"direction", "backend"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlb_bytes",
			Help: "Total bytes transferred, by direction and backend.",
		}, []string{"direction", "backend"}),
	}

	reg.MustRegister(
		s.globalBackendsAvailable,
		s.globalConnectionsActive,
		s.globalClientsActive,
		s.globalConnectionsOpened,
		s.globalConnectionsClosed,
		s.globalConnectionsOrphaned,
		s.mbps,
		s.pps,
		s.flowsActive,
		s.flowsClosed,
		s.bytes,
	)

	return s
}

// Handler returns the /metrics HTTP handler for this Sink's registry.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// SetGlobal updates the tick-level gauges.
func (s *Sink) SetGlobal(backendsAvailable, connectionsActive, clientsActive int) {
	s.globalBackendsAvailable.Set(float64(backendsAvailable))
	s.globalConnectionsActive.Set(float64(connectionsActive))
	s.globalClientsActive.Set(float64(clientsActive))
}

// AddOpened, AddClosed and AddOrphaned record the counter deltas for one
// maintenance tick.
func (s *Sink) AddOpened(n int)   { s.globalConnectionsOpened.Add(float64(n)) }
func (s *Sink) AddClosed(n int)   { s.globalConnectionsClosed.Add(float64(n)) }
func (s *Sink) AddOrphaned(n int) { s.globalConnectionsOrphaned.Add(float64(n)) }

// Delta is one direction/backend pair's per-tick measurements, as
// computed by the maintenance loop from the raw byte/packet counters it
// reads off each flow.
type Delta struct {
	Direction   Direction
	Backend     string
	Mbps        float64
	Pps         float64
	ActiveFlows int
	ClosedFlows int
	DeltaBytes  uint64
}

// Publish records one Delta against the per-direction/per-backend
// metric family.
func (s *Sink) Publish(d Delta) {
	labels := prometheus.Labels{"direction": string(d.Direction), "backend": d.Backend}
	s.mbps.With(labels).Set(d.Mbps)
	s.pps.With(labels).Set(d.Pps)
	s.flowsActive.With(labels).Set(float64(d.ActiveFlows))
	if d.ClosedFlows > 0 {
		s.flowsClosed.With(labels).Add(float64(d.ClosedFlows))
	}
	if d.DeltaBytes > 0 {
		s.bytes.With(labels).Add(float64(d.DeltaBytes))
	}
}
