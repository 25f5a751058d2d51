package worker

import (
	"time"

	"orchestrator/internal/task"
)

// Metrics is the instrumentation seam the worker reports through; the
// concrete Prometheus-backed implementation lives in internal/observability
// so this package stays free of any metrics library dependency.
type Metrics interface {
	TaskClaimed(stage task.Stage)
	TaskCompleted(stage task.Stage)
	TaskRetried(stage task.Stage)
	TaskFailed(stage task.Stage)
	TaskDead(stage task.Stage)
	HandlerDuration(stage task.Stage, d time.Duration)
}

// NopMetrics discards every observation; used by tests and anywhere metrics
// wiring isn't needed.
type NopMetrics struct{}

func (NopMetrics) TaskClaimed(task.Stage)                    {}
func (NopMetrics) TaskCompleted(task.Stage)                   {}
func (NopMetrics) TaskRetried(task.Stage)                     {}
func (NopMetrics) TaskFailed(task.Stage)                      {}
func (NopMetrics) TaskDead(task.Stage)                        {}
func (NopMetrics) HandlerDuration(task.Stage, time.Duration)  {}
