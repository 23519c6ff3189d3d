// Package metrics exposes gateway counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's Prometheus metrics.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobLatency    prometheus.Histogram

	sessionsActive prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	workerStatus   *prometheus.GaugeVec
}

// NewCollector builds and registers the gateway metrics with the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfygate_jobs_submitted_total",
			Help: "Total number of jobs submitted to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfygate_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfygate_jobs_failed_total",
			Help: "Total number of jobs that failed on a worker",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfygate_jobs_cancelled_total",
			Help: "Total number of jobs cancelled by callers",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "comfygate_job_duration_seconds",
			Help:    "End-to-end job duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfygate_sessions_active",
			Help: "Current number of live caller sessions",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "comfygate_worker_queue_depth",
			Help: "Last reported queue depth per worker",
		}, []string{"worker"}),
		workerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "comfygate_worker_up",
			Help: "Whether a worker is running (1) or unavailable (0)",
		}, []string{"worker"}),
	}

	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.jobsCancelled)
	prometheus.MustRegister(c.jobLatency)
	prometheus.MustRegister(c.sessionsActive)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.workerStatus)

	return c
}

// RecordSubmitted counts one job submission.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordCompleted counts one successful job with its duration.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(durationSeconds)
}

// RecordFailed counts one failed job.
func (c *Collector) RecordFailed() {
	c.jobsFailed.Inc()
}

// RecordCancelled counts one caller-cancelled job.
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// SessionOpened tracks a new live session.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
}

// SessionClosed tracks a session teardown.
func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

// SetQueueDepth records a worker's last reported queue depth.
func (c *Collector) SetQueueDepth(workerID string, depth int) {
	c.queueDepth.WithLabelValues(workerID).Set(float64(depth))
}

// SetWorkerUp records whether a worker is accepting jobs.
func (c *Collector) SetWorkerUp(workerID string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	c.workerStatus.WithLabelValues(workerID).Set(v)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
