// Package metrics holds the node's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wagerchain"

// Metrics groups every collector a node exports.
type Metrics struct {
	Registry *prometheus.Registry

	Height          prometheus.Gauge
	Reorgs          prometheus.Counter
	ReorgDepth      prometheus.Histogram
	BlocksAccepted  prometheus.Counter
	BlocksRejected  *prometheus.CounterVec // by reject kind
	Inconsistencies prometheus.Counter
	Orphans         prometheus.Gauge
	OrphansDropped  *prometheus.CounterVec // by reason
	TxAccepted      prometheus.Counter
	TxRejected      *prometheus.CounterVec // by reject kind
	MempoolSize     prometheus.Gauge
	GossipDropped   *prometheus.CounterVec // by reason
	PeerFailures    prometheus.Counter
	FetchFailures   prometheus.Counter
	Peers           prometheus.Gauge
	Live            prometheus.Gauge
	SnapshotMisses  prometheus.Counter
}

// New registers a fresh set of collectors on reg. A nil reg gets a private
// registry, which keeps parallel tests from colliding on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Height: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "canonical_height",
			Help: "Height of the canonical tip.",
		}),
		Reorgs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reorgs_total",
			Help: "Canonical chain reorganisations.",
		}),
		ReorgDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reorg_depth_blocks",
			Help:    "Blocks rolled back per reorganisation.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		}),
		BlocksAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_accepted_total",
			Help: "Blocks attached to the fork tree.",
		}),
		BlocksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_rejected_total",
			Help: "Blocks refused by validation.",
		}, []string{"kind"}),
		Inconsistencies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_inconsistencies_total",
			Help: "Validated blocks that failed to apply to the ledger.",
		}),
		Orphans: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "orphans",
			Help: "Blocks waiting for an unknown predecessor.",
		}),
		OrphansDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orphans_dropped_total",
			Help: "Orphans discarded before their predecessor arrived.",
		}, []string{"reason"}),
		TxAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tx_accepted_total",
			Help: "Transactions admitted to the pending pool.",
		}),
		TxRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tx_rejected_total",
			Help: "Transactions refused at submission or pruned from the pool.",
		}, []string{"kind"}),
		MempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mempool_size",
			Help: "Pending transactions.",
		}),
		GossipDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gossip_dropped_total",
			Help: "Inbound gossip not delivered to the core.",
		}, []string{"reason"}),
		PeerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "peer_failures_total",
			Help: "Times a peer was marked degraded.",
		}),
		FetchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ancestor_fetch_failures_total",
			Help: "Ancestor fetches that exhausted every peer.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Connected peers.",
		}),
		Live: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "live",
			Help: "1 while the canonical chain is making progress.",
		}),
		SnapshotMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_misses_total",
			Help: "Rollbacks that fell back to a full replay from genesis.",
		}),
	}
}
