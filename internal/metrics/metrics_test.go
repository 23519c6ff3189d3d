package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestCollector() *Collector {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return NewCollector()
}

func TestCollector_JobCounters(t *testing.T) {
	c := newTestCollector()

	c.RecordSubmitted()
	c.RecordSubmitted()
	c.RecordCompleted(1.5)
	c.RecordFailed()
	c.RecordCancelled()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCancelled))
}

func TestCollector_Sessions(t *testing.T) {
	c := newTestCollector()

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
}

func TestCollector_WorkerGauges(t *testing.T) {
	c := newTestCollector()

	c.SetQueueDepth("0", 3)
	c.SetWorkerUp("0", true)
	c.SetWorkerUp("1", false)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerStatus.WithLabelValues("0")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.workerStatus.WithLabelValues("1")))
}
