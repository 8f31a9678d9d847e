package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// mergesTotal counts incoming snapshot merges by result
	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdt_swarm_merges_total",
		Help: "Snapshot merges by container kind and result",
	}, []string{"kind", "result"})

	// cleanupRemoved counts elements dropped by expiry cleanup
	cleanupRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdt_swarm_cleanup_removed_total",
		Help: "Elements removed by cleanup, per container",
	}, []string{"container"})

	// snapshotsPublished counts envelopes handed to the broadcaster
	snapshotsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdt_swarm_snapshots_published_total",
		Help: "Snapshots published to peers, per container",
	}, []string{"container"})

	// snapshotBytes tracks encoded snapshot payload sizes
	snapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crdt_swarm_snapshot_bytes",
		Help:    "Size of encoded container snapshots in bytes",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MiB
	})

	// containerSize reports the element count of every registered container
	containerSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crdt_swarm_container_size",
		Help: "Number of elements held by a container",
	}, []string{"container"})
)

const (
	resultMerged       = "merged"
	resultIncompatible = "incompatible"
	resultInvalid      = "invalid"
	resultKindMismatch = "kind_mismatch"
)
