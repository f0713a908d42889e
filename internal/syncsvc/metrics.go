package syncsvc

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the sync engine's Prometheus instruments, registered
// once at startup and shared between the server and every peer's
// Pusher.
type Metrics struct {
	NodesPushed     prometheus.Counter
	NodesReceived   prometheus.Counter
	RootsMerged     prometheus.Counter
	PushDuration    prometheus.Histogram
	PushFailures    prometheus.Counter
	DAGSize         *prometheus.GaugeVec
	ConflictRenames prometheus.Counter
}

// NewMetrics constructs and registers the sync engine's metrics
// against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merklefs",
			Subsystem: "sync",
			Name:      "nodes_pushed_total",
			Help:      "DAG nodes sent to peers via bulk_add on the push side.",
		}),
		NodesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merklefs",
			Subsystem: "sync",
			Name:      "nodes_received_total",
			Help:      "DAG nodes accepted from peers via bulk_add on the receive side.",
		}),
		RootsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merklefs",
			Subsystem: "sync",
			Name:      "roots_merged_total",
			Help:      "Successful add_root merges applied from a bulk_root request.",
		}),
		PushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "merklefs",
			Subsystem: "sync",
			Name:      "push_duration_seconds",
			Help:      "Duration of one full per-peer push cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merklefs",
			Subsystem: "sync",
			Name:      "push_failures_total",
			Help:      "Push cycles that did not complete (peer unreachable or a request failed).",
		}),
		DAGSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "merklefs",
			Subsystem: "sync",
			Name:      "dag_size_nodes",
			Help:      "Number of nodes currently held by a named CRDT's DAG.",
		}, []string{"name"}),
		ConflictRenames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merklefs",
			Subsystem: "sync",
			Name:      "ktree_conflict_renames_total",
			Help:      "Automatic disambiguating renames applied by the K-Tree's conflict resolution.",
		}),
	}
	reg.MustRegister(m.NodesPushed, m.NodesReceived, m.RootsMerged, m.PushDuration, m.PushFailures, m.DAGSize, m.ConflictRenames)
	return m
}
