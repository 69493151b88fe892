// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TxnStarted counts transactions opened on this coordinator.
	TxnStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zonedb_txn_started_total",
		Help: "Transactions begun on this coordinator.",
	})

	// ActiveTxns tracks transactions currently open on this
	// coordinator.
	ActiveTxns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zonedb_txn_active",
		Help: "Transactions currently open on this coordinator.",
	})

	// TxnFinished counts finished transactions by outcome
	// (committed, aborted, conflict, expired).
	TxnFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonedb_txn_finished_total",
		Help: "Transactions finished on this coordinator, by outcome.",
	}, []string{"outcome"})

	// TxnCommitSeconds observes end-to-end commit latency.
	TxnCommitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonedb_txn_commit_seconds",
		Help:    "Two-phase commit latency.",
		Buckets: prometheus.DefBuckets,
	})

	// TxnParticipants observes how many partitions each committed
	// transaction touched.
	TxnParticipants = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonedb_txn_participants",
		Help:    "Partitions enlisted per committed transaction.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	// PartitionOps counts partition operations served by this node,
	// by operation and locality (local, forwarded).
	PartitionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonedb_partition_ops_total",
		Help: "Partition operations served, by op and locality.",
	}, []string{"op", "locality"})

	// RecoveredDecisions counts transaction decisions replayed from the
	// decision log after a coordinator restart.
	RecoveredDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonedb_recovered_decisions_total",
		Help: "Transaction decisions replayed from the decision log.",
	}, []string{"decision"})

	// VersionsReclaimed counts row versions removed by garbage
	// collection sweeps.
	VersionsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zonedb_gc_versions_reclaimed_total",
		Help: "Row versions removed by garbage collection.",
	})

	// RouterQueries counts routed queries by execution mode
	// (local, broadcast, shuffle).
	RouterQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonedb_router_queries_total",
		Help: "Queries routed, by execution mode.",
	}, []string{"mode"})

	// HTTPRequestSeconds observes node API request latency.
	HTTPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zonedb_http_request_seconds",
		Help:    "Node API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
