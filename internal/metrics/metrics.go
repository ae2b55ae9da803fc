package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "jasminmongologd"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Total deliveries processed by kind and result.",
		},
		[]string{"kind", "result"},
	)
	DecodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total deliveries dead-lettered due to malformed payloads.",
		},
	)
	PersistLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_latency_ms",
			Help:      "Storage write latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)
	PersistRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_retries_total",
			Help:      "Total transient storage failures that triggered a retry.",
		},
	)
	DuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Total redeliveries acknowledged without a second write.",
		},
	)
	SupervisorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Supervisor state per connection (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
		},
		[]string{"connection"},
	)
	LastPersistTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_persist_timestamp_seconds",
			Help:      "Unix time of the most recent successful persist.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		DecodeErrorsTotal,
		PersistLatency,
		PersistRetriesTotal,
		DuplicatesTotal,
		SupervisorState,
		LastPersistTimestamp,
	)
}
