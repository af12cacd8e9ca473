// Package metrics exposes the broker's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RecordsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_records_published_total",
			Help: "Records appended to a topic",
		},
		[]string{"topic"},
	)

	DuplicatePublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_duplicate_publishes_total",
			Help: "Publishes deduplicated by record ID",
		},
		[]string{"topic"},
	)

	RecordsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_records_delivered_total",
			Help: "Record deliveries (including redeliveries)",
		},
		[]string{"topic", "group"},
	)

	RecordsAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_records_acked_total",
			Help: "Acknowledged deliveries",
		},
		[]string{"topic", "group"},
	)

	RecordsNacked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_records_nacked_total",
			Help: "Negative acknowledgments",
		},
		[]string{"topic", "group"},
	)

	LeasesExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_leases_expired_total",
			Help: "Leases reclaimed by the visibility sweeper",
		},
		[]string{"topic", "group"},
	)

	RecordsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_records_dead_lettered_total",
			Help: "Records copied to a dead-letter topic after exhausting delivery attempts",
		},
		[]string{"topic", "group"},
	)

	InflightLeases = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sluice_inflight_leases",
			Help: "Currently leased records",
		},
		[]string{"topic", "group"},
	)

	RebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_rebalances_total",
			Help: "Consumer group rebalances",
		},
		[]string{"topic", "group"},
	)

	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sluice_append_latency_seconds",
		Help:    "Latency of durable log appends",
		Buckets: prometheus.DefBuckets,
	})

	StorageCommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sluice_storage_commit_latency_seconds",
		Help:    "Latency of storage batch commits",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	StorageReadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sluice_storage_read_latency_seconds",
		Help:    "Latency of storage point reads",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
)

func init() {
	prometheus.MustRegister(RecordsPublished, DuplicatePublishes, RecordsDelivered, RecordsAcked, RecordsNacked)
	prometheus.MustRegister(LeasesExpired, RecordsDeadLettered, InflightLeases, RebalancesTotal)
	prometheus.MustRegister(AppendLatency, StorageCommitLatency, StorageReadLatency)
}
