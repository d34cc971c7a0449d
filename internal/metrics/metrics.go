// Package metrics defines all Prometheus metrics for the shuthost coordinator.
// All metrics use the "shuthost_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shuthost"

// --- Lease Metrics (C6) ---

var (
	// LeaseOperations counts lease mutations by kind.
	LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_operations_total",
		Help:      "Total lease mutations, by operation (take/release/reset).",
	}, []string{"operation"})

	// LeasesHeld is a gauge of currently-held leases per host.
	LeasesHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_held",
		Help:      "Number of leases currently held, by host.",
	}, []string{"host"})
)

// --- WOL Metrics (C3) ---

var (
	// WOLPacketsSent counts magic packets sent, by result.
	WOLPacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wol_packets_sent_total",
		Help:      "Total Wake-on-LAN magic packets sent.",
	}, []string{"result"})
)

// --- Agent RPC Metrics (C2) ---

var (
	// AgentRPCRequests counts agent RPC attempts by command and result.
	AgentRPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_rpc_requests_total",
		Help:      "Total agent RPC requests, by command and result.",
	}, []string{"command", "result"})

	// AgentRPCDuration tracks agent RPC latency.
	AgentRPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_rpc_duration_seconds",
		Help:      "Agent RPC duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	}, []string{"command"})
)

// --- Prober Metrics (C7) ---

var (
	// HostsOnline is a gauge of observed-online hosts.
	HostsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hosts_online",
		Help:      "Number of hosts currently observed online.",
	})

	// ProbeFailuresConsecutive tracks consecutive probe failures per host.
	ProbeFailuresConsecutive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "probe_failures_consecutive",
		Help:      "Consecutive failed status probes, by host.",
	}, []string{"host"})
)

// --- Reconciler Metrics (C8) ---

var (
	// ReconcileActions counts WOL/shutdown actions dispatched by the reconciler.
	ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_actions_total",
		Help:      "Total reconciler actions dispatched, by kind and result.",
	}, []string{"kind", "result"})

	// HostFSMState reports each host's current FSM state as a labeled gauge.
	HostFSMState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_fsm_state",
		Help:      "Current reconciler FSM state per host (1 = current). Labels: host, state.",
	}, []string{"host", "state"})
)

// --- Event Bus Metrics (C9) ---

var (
	// EventsPublished counts events published to the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus.",
	}, []string{"event_type"})

	// EventBufferDrops counts events dropped due to a full bus buffer.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped due to a full event bus buffer.",
	})

	// SubscribersDropped counts subscribers disconnected for being too slow.
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscribers_dropped_total",
		Help:      "Total subscribers disconnected for a full send queue.",
	})

	// SubscriptionsActive is a gauge of currently-connected event subscribers.
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "Number of active event stream subscribers.",
	})
)

// --- Broadcast API Metrics (C9, C10) ---

var (
	// APIRequests counts HTTP API requests by method, path, and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total HTTP API requests.",
	}, []string{"method", "path", "status"})

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// VerifierRejections counts C10 request-verifier rejections by reason.
	VerifierRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifier_rejections_total",
		Help:      "Total M2M request verifier rejections, by reason.",
	}, []string{"reason"})
)

// --- Announce Listener Metrics (C11) ---

var (
	// AnnouncesReceived counts agent bootstrap announce datagrams by result.
	AnnouncesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "announces_received_total",
		Help:      "Total agent bootstrap announce datagrams received, by result.",
	}, []string{"result"})
)

// --- Server Info ---

var (
	// ServerInfo is a constant gauge with build/version info.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Coordinator build and version info.",
	}, []string{"version"})

	// ServerStartTime tracks the coordinator's start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Coordinator start time as a Unix timestamp.",
	})
)
