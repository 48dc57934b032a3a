package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "sales_ingestion_"

const (
	KindSales   = "sales"
	KindInvalid = "invalid"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var rowsReadCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "rows_read_total",
		Help: "Number of data rows read from import sources, by classification",
	},
	[]string{"kind"},
)

var batchesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "batches_total",
		Help: "Number of batches handled by the worker pool",
	},
	[]string{"kind", "outcome"},
)

var batchLatencyHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricsPrefix + "batch_write_latency_seconds",
		Help:    "Time taken to write one batch to storage",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	},
	[]string{"kind"},
)

var tasksInFlightGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricsPrefix + "tasks_in_flight",
		Help: "Number of batch tasks currently executing",
	},
)

var tasksAbandonedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "tasks_abandoned_total",
		Help: "Number of tasks abandoned because a pool shutdown timed out",
	},
)

var runsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "runs_total",
		Help: "Number of import runs that reached a terminal status",
	},
	[]string{"status"},
)

func RecordRowRead(kind string) {
	rowsReadCounter.WithLabelValues(kind).Inc()
}

func RecordBatch(kind, outcome string, duration time.Duration) {
	batchesCounter.WithLabelValues(kind, outcome).Inc()
	batchLatencyHist.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordAbandoned(n int) {
	tasksAbandonedCounter.Add(float64(n))
}

func TaskStarted() {
	tasksInFlightGauge.Inc()
}

func TaskFinished() {
	tasksInFlightGauge.Dec()
}

func RecordRunFinished(status string) {
	runsCounter.WithLabelValues(status).Inc()
}
