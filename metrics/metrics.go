// Package metrics exposes Prometheus metrics for bucket I/O.
//
// Metrics are registered with the default registry on package load; a
// process serving /metrics through promhttp picks them up without wiring.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFlushed counts encoded pages by codec kind
	PagesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstore_pages_flushed_total",
			Help: "Pages encoded and written, by codec.",
		},
		[]string{"codec"},
	)

	// PageBytes counts encoded page bytes by codec kind
	PageBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstore_page_bytes_total",
			Help: "Encoded page bytes written, by codec.",
		},
		[]string{"codec"},
	)

	// RowsAdded counts rows appended to buckets
	RowsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kstore_rows_added_total",
		Help: "Rows appended to buckets.",
	})

	// RowsScanned counts rows delivered to read callbacks
	RowsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kstore_rows_scanned_total",
		Help: "Rows delivered by bucket scans.",
	})

	// RowsDropped counts deleted rows removed by compaction
	RowsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kstore_rows_compacted_away_total",
		Help: "Deleted rows removed from buckets by compaction.",
	})

	// BucketOps counts lifecycle operations by name and outcome
	BucketOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstore_bucket_operations_total",
			Help: "Bucket lifecycle operations, by operation and status.",
		},
		[]string{"operation", "status"},
	)

	// PoolTasks counts tasks submitted to the shared I/O pool
	PoolTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstore_pool_tasks_total",
			Help: "Tasks run by the shared I/O pool, by mode.",
		},
		[]string{"mode"},
	)

	// PoolInFlight is the number of pool tasks currently running
	PoolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kstore_pool_in_flight",
		Help: "Shared I/O pool tasks currently running.",
	})

	// PageReadLatency observes the time to fetch one page from storage
	PageReadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kstore_page_read_seconds",
		Help:    "Time to read one page from the device.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	})
)

// ObserveOp records a lifecycle operation outcome
func ObserveOp(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	BucketOps.WithLabelValues(operation, status).Inc()
}

// Since observes the time elapsed from start on h
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
