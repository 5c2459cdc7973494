// Package metrics replaces the teacher's hand-rolled latency-slice Metrics
// struct (internal/server/metrics.go) with real Prometheus instrumentation,
// since spec §1's Non-goals never exclude observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters/gauges every role increments. Roles only
// touch the fields relevant to them; unused ones simply stay at zero.
type Registry struct {
	registry *prometheus.Registry

	ProposalsTotal       *prometheus.CounterVec
	AcceptsTotal         *prometheus.CounterVec
	LearnsTotal          *prometheus.CounterVec
	GossipPushTotal      *prometheus.CounterVec
	LeaderElectionsTotal prometheus.Counter
	QuorumSize           prometheus.Gauge
	SharedLogLength      prometheus.Gauge
	PeerCallFailures     *prometheus.CounterVec
}

// New constructs a fresh registry for one node process.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		ProposalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paxos_proposals_total",
			Help: "Client-value proposal rounds started, by outcome.",
		}, []string{"outcome"}),
		AcceptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paxos_accepts_total",
			Help: "Accept requests handled by an acceptor, by outcome.",
		}, []string{"outcome"}),
		LearnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paxos_learns_total",
			Help: "Learn notifications handled by a learner, by outcome.",
		}, []string{"outcome"}),
		GossipPushTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paxos_gossip_pushes_total",
			Help: "Gossip pushes sent, by outcome.",
		}, []string{"outcome"}),
		LeaderElectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "paxos_leader_elections_total",
			Help: "Leader-election rounds won by this proposer.",
		}),
		QuorumSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paxos_quorum_size",
			Help: "Acceptor quorum size last computed from gossip.",
		}),
		SharedLogLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paxos_shared_log_length",
			Help: "Number of values appended to this learner's shared log.",
		}),
		PeerCallFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paxos_peer_call_failures_total",
			Help: "Outbound peer calls that failed after any retries, by call kind.",
		}, []string{"call"}),
	}
}

// Handler exposes the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
