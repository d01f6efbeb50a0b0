package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rill"

type metrics struct {
	messagesIn       *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	acked            prometheus.Counter
	unackedMessages  prometheus.Gauge
	endOffset        *prometheus.GaugeVec
	committedOffset  *prometheus.GaugeVec
	commitsInitiated prometheus.Counter
	commitsCompleted prometheus.Counter
	commitLatency    prometheus.Histogram
	rebalances       *prometheus.CounterVec
	livelockWarnings prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		messagesIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_in_total",
			Help:      "Records dispatched to the stream layer.",
		}, []string{"topic"}),
		messagesDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_dropped_total",
			Help:      "Records dropped because they were already delivered.",
		}, []string{"topic"}),
		acked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "acked_total",
			Help:      "Records acknowledged by all subscribed streams.",
		}),
		unackedMessages: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "unacked_messages",
			Help:      "Records dispatched but not yet acknowledged.",
		}),
		endOffset: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "partition_end_offset",
			Help:      "Last known broker end offset per partition.",
		}, []string{"topic", "partition"}),
		committedOffset: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "partition_committed_offset",
			Help:      "Last offset committed to the broker per partition.",
		}, []string{"topic", "partition"}),
		commitsInitiated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "commits_initiated_total",
			Help:      "Commit attempts started.",
		}),
		commitsCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "commits_completed_total",
			Help:      "Commit attempts that advanced at least one offset.",
		}),
		commitLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "commit_latency_seconds",
			Help:      "Latency of broker commit calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		rebalances: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "rebalances_total",
			Help:      "Partition rebalance events.",
		}, []string{"event"}),
		livelockWarnings: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "livelock_warnings_total",
			Help:      "Times the committed offset failed to advance past the soft timeout.",
		}),
	}
}
