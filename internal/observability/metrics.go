package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"orchestrator/internal/queue"
	"orchestrator/internal/task"
)

// Metrics implements worker.Metrics against an explicit *prometheus.Registry
// (never the global DefaultRegisterer), so a process can run more than one
// instrumented component without collisions.
type Metrics struct {
	claimed  *prometheus.CounterVec
	completed *prometheus.CounterVec
	retried  *prometheus.CounterVec
	dead     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics registers every orchestrator collector against reg and returns
// the bound Metrics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_claimed_total",
			Help: "Total tasks claimed by a worker.",
		}, []string{"stage"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_completed_total",
			Help: "Total tasks that completed successfully.",
		}, []string{"stage"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_retried_total",
			Help: "Total tasks scheduled for retry after a transient error.",
		}, []string{"stage"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_dead_total",
			Help: "Total tasks routed to the DLQ after a fatal error.",
		}, []string{"stage"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_failed_total",
			Help: "Total tasks that exhausted their retry budget.",
		}, []string{"stage"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Current task count by status.",
		}, []string{"status"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "orchestrator_handler_duration_seconds",
			Help: "Stage handler execution duration.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.claimed, m.completed, m.retried, m.dead, m.failed, m.queueDepth, m.handlerDuration)
	return m
}

func (m *Metrics) TaskClaimed(stage task.Stage)   { m.claimed.WithLabelValues(string(stage)).Inc() }
func (m *Metrics) TaskCompleted(stage task.Stage) { m.completed.WithLabelValues(string(stage)).Inc() }
func (m *Metrics) TaskRetried(stage task.Stage)   { m.retried.WithLabelValues(string(stage)).Inc() }
func (m *Metrics) TaskFailed(stage task.Stage)    { m.failed.WithLabelValues(string(stage)).Inc() }
func (m *Metrics) TaskDead(stage task.Stage)      { m.dead.WithLabelValues(string(stage)).Inc() }

func (m *Metrics) HandlerDuration(stage task.Stage, d time.Duration) {
	m.handlerDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// RefreshQueueDepth updates the gauge from a fresh counts_by_status read;
// callers typically call this right before serving /metrics or on a timer.
func (m *Metrics) RefreshQueueDepth(counts queue.StatusCounts) {
	for _, status := range []task.Status{
		task.StatusPending, task.StatusProcessing, task.StatusCompleted,
		task.StatusRetryScheduled, task.StatusFailed, task.StatusDead, task.StatusCancelled,
	} {
		m.queueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
