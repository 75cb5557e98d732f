package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rustic"

// Metrics holds all Prometheus metrics for a cluster node.
type Metrics struct {
	// Query layer
	QueriesTotal  *prometheus.CounterVec // statement kind, status
	QueryDuration *prometheus.HistogramVec
	RowsReturned  prometheus.Histogram

	// Replica coordination
	ReplicaRequestsTotal *prometheus.CounterVec // op, outcome
	ReadRepairsTotal     prometheus.Counter
	HintsStoredTotal     prometheus.Counter
	HintsReplayedTotal   prometheus.Counter
	HintsPending         prometheus.Gauge

	// Gossip
	GossipRoundsTotal *prometheus.CounterVec // outcome
	ClusterMembers    *prometheus.GaugeVec   // status
	RingVersion       prometheus.Gauge

	// Storage engine
	MemtableBytes        prometheus.Gauge
	MemtableFlushesTotal prometheus.Counter
	SegmentsOpen         prometheus.Gauge
	CommitLogAppends     prometheus.Counter
	CompactionsTotal     prometheus.Counter
}

// New creates and registers the node metrics on the given registerer.
func New(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "statements_total",
			Help:        "Statements executed by kind and resulting status",
			ConstLabels: labels,
		}, []string{"kind", "status"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "statement_duration_seconds",
			Help:        "Statement execution latency",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"kind"}),
		RowsReturned: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "rows_returned",
			Help:        "Rows returned per SELECT",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ReplicaRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "coordinator",
			Name:        "replica_requests_total",
			Help:        "Replica RPC dispatches by operation and outcome",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		ReadRepairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "coordinator",
			Name:        "read_repairs_total",
			Help:        "Stale replicas repaired after divergent reads",
			ConstLabels: labels,
		}),
		HintsStoredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "coordinator",
			Name:        "hints_stored_total",
			Help:        "Hints recorded for unreachable replicas",
			ConstLabels: labels,
		}),
		HintsReplayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "coordinator",
			Name:        "hints_replayed_total",
			Help:        "Hints delivered to recovered replicas",
			ConstLabels: labels,
		}),
		HintsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "coordinator",
			Name:        "hints_pending",
			Help:        "Hints waiting for their target to recover",
			ConstLabels: labels,
		}),
		GossipRoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "rounds_total",
			Help:        "Gossip exchanges by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ClusterMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members",
			Help:        "Known cluster members by status",
			ConstLabels: labels,
		}, []string{"status"}),
		RingVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "snapshot_version",
			Help:        "Monotonic version of the published ring snapshot",
			ConstLabels: labels,
		}),
		MemtableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "memtable_bytes",
			Help:        "Approximate size of the active memtable",
			ConstLabels: labels,
		}),
		MemtableFlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "memtable_flushes_total",
			Help:        "Memtable flushes to disk segments",
			ConstLabels: labels,
		}),
		SegmentsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "segments_open",
			Help:        "On-disk segments currently serving reads",
			ConstLabels: labels,
		}),
		CommitLogAppends: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "commitlog_appends_total",
			Help:        "Entries appended to the write-ahead log",
			ConstLabels: labels,
		}),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "compactions_total",
			Help:        "Completed compaction runs",
			ConstLabels: labels,
		}),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), "test")
}
