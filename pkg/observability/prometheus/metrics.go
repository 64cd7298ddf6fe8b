// Package prometheus exports worker pool activity as Prometheus metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/threadpool/pkg/core/concurrency"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "threadpool"}, DefaultRegistry)
)

// PoolMetrics holds the metrics of one pool. It is a concurrency.Observer;
// install it through concurrency.Config.Observer.
type PoolMetrics struct {
	JobsSubmitted prometheus.Counter
	JobsCompleted *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	QueueDepth    prometheus.Gauge
	WorkersBusy   prometheus.Gauge
	WorkersExited prometheus.Counter
}

var _ concurrency.Observer = (*PoolMetrics)(nil)

// NewPoolMetrics registers the metrics of the pool called name.
// A nil registerer means DefaultRegisterer.
func NewPoolMetrics(registerer prometheus.Registerer, name string) *PoolMetrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"pool": name}, registerer))

	return &PoolMetrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "threadpool_jobs_submitted_total",
			Help: "Total number of jobs accepted by the pool",
		}),
		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadpool_jobs_completed_total",
				Help: "Total number of jobs run to completion, by outcome",
			},
			[]string{"outcome"}, // ok, error, panic
		),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "threadpool_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10), // 0.5ms to ~2min
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "threadpool_queue_depth",
			Help: "Jobs accepted but not yet picked up by a worker",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "threadpool_workers_busy",
			Help: "Workers currently executing a job",
		}),
		WorkersExited: factory.NewCounter(prometheus.CounterOpts{
			Name: "threadpool_workers_exited_total",
			Help: "Workers that received their shutdown message and exited",
		}),
	}
}

// JobSubmitted implements concurrency.Observer
func (m *PoolMetrics) JobSubmitted(concurrency.JobInfo) {
	m.JobsSubmitted.Inc()
	m.QueueDepth.Inc()
}

// JobStarted implements concurrency.Observer
func (m *PoolMetrics) JobStarted(concurrency.JobInfo, int) {
	m.QueueDepth.Dec()
	m.WorkersBusy.Inc()
}

// JobFinished implements concurrency.Observer
func (m *PoolMetrics) JobFinished(_ concurrency.JobInfo, result concurrency.JobResult) {
	m.WorkersBusy.Dec()
	m.JobsCompleted.WithLabelValues(result.Outcome()).Inc()
	m.JobDuration.Observe(result.Elapsed.Seconds())
}

// WorkerExited implements concurrency.Observer
func (m *PoolMetrics) WorkerExited(int) {
	m.WorkersExited.Inc()
}
