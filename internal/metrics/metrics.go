// ABOUTME: Prometheus metrics for the fleet command-and-control core
// ABOUTME: Connected agents, queue depth and throughput, orchestration states

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the core components report into.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedAgents    prometheus.Gauge
	QueueDepth         *prometheus.GaugeVec
	MessagesEnqueued   *prometheus.CounterVec
	MessagesDelivered  prometheus.Counter
	MessagesExpired    prometheus.Counter
	Orchestrations     *prometheus.GaugeVec
	IdentityRejections prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_connected_agents",
			Help: "Number of agents with a live session.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_queue_depth",
			Help: "Message queue depth by status.",
		}, []string{"status"}),
		MessagesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_messages_enqueued_total",
			Help: "Messages enqueued, by direction.",
		}, []string{"direction"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_messages_delivered_total",
			Help: "Outbound messages handed to a live session.",
		}),
		MessagesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_messages_expired_total",
			Help: "Messages moved to expired by the sweep.",
		}),
		Orchestrations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_reboot_orchestrations",
			Help: "Reboot orchestrations by state.",
		}, []string{"state"}),
		IdentityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_identity_rejections_total",
			Help: "Messages rejected with host_not_registered.",
		}),
	}

	reg.MustRegister(
		m.ConnectedAgents,
		m.QueueDepth,
		m.MessagesEnqueued,
		m.MessagesDelivered,
		m.MessagesExpired,
		m.Orchestrations,
		m.IdentityRejections,
	)
	return m
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
