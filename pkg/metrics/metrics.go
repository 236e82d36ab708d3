// Package metrics exposes FamilyVault's Prometheus instrumentation,
// grounded on the orchestrator service's pkg/metrics package: package
// level promauto collectors registered once, incremented from wherever
// the corresponding event happens.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts peer connection attempts by outcome.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyvault_connections_total",
			Help: "Total peer connection attempts by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// ConnectedPeers is the current size of the coordinator's peer
	// registry.
	ConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "familyvault_connected_peers",
			Help: "Number of peers currently connected",
		},
	)

	// HeartbeatMissesTotal counts connections torn down for exceeding
	// the heartbeat deadline.
	HeartbeatMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "familyvault_heartbeat_misses_total",
			Help: "Total connections closed for missing heartbeat deadline",
		},
	)

	// PeerLatencySeconds observes measured round-trip heartbeat latency.
	PeerLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "familyvault_peer_latency_seconds",
			Help:    "Observed peer heartbeat round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer_device_id"},
	)

	// PairingAttemptsTotal counts pairing requests by outcome.
	PairingAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyvault_pairing_attempts_total",
			Help: "Total pairing requests received, by outcome",
		},
		[]string{"outcome"},
	)

	// TransferBytesTotal counts file bytes moved, by direction.
	TransferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyvault_transfer_bytes_total",
			Help: "Total file bytes transferred, by direction",
		},
		[]string{"direction"},
	)

	// ActiveTransfers is the number of in-flight downloads plus
	// in-flight uploads.
	ActiveTransfers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "familyvault_active_transfers",
			Help: "Number of in-flight file transfers",
		},
		[]string{"direction"},
	)

	// IndexSyncDeltasTotal counts applied index-sync deltas by source
	// device.
	IndexSyncDeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyvault_index_sync_deltas_total",
			Help: "Total index-sync deltas applied, by source device",
		},
		[]string{"source_device_id"},
	)

	// DiscoveredPeers is the current size of the discovery layer's
	// seen-peer set.
	DiscoveredPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "familyvault_discovered_peers",
			Help: "Number of peers currently visible over mDNS",
		},
	)
)
