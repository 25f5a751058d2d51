// Package task defines the domain model shared by every component of the
// orchestrator: the Task unit of work, its lifecycle Status, the pipeline
// Stage enum, and the Episode failure-bookkeeping fields.
//
// These types carry no behavior beyond validation; persistence lives in
// internal/queue, scheduling in internal/worker.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Stage is one step of the download -> downsample -> transcribe -> clean ->
// summarize pipeline.
type Stage string

const (
	StageDownload    Stage = "download"
	StageDownsample  Stage = "downsample"
	StageTranscribe  Stage = "transcribe"
	StageClean       Stage = "clean"
	StageSummarize   Stage = "summarize"
)

// stageOrder is the total order next_stage walks. It is what makes the
// chain-enqueue dependency acyclic: a stage can only ever enqueue a stage
// strictly later in this slice.
var stageOrder = []Stage{StageDownload, StageDownsample, StageTranscribe, StageClean, StageSummarize}

// ValidStage reports whether s is one of the five recognized stages.
func ValidStage(s Stage) bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// NextStage returns the stage that follows s, and false if s is terminal
// (summarize) or unrecognized.
func NextStage(s Stage) (Stage, bool) {
	for i, st := range stageOrder {
		if st == s {
			if i+1 < len(stageOrder) {
				return stageOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Status is a Task's lifecycle state. See internal/queue for the transition
// table that governs movement between these values.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusRetryScheduled  Status = "retry_scheduled"
	StatusFailed          Status = "failed"
	StatusDead            Status = "dead"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether this status ends a task's run: the worker never
// claims it again. StatusFailed is terminal for the task itself, though the
// episode may be retried externally via a fresh task; a StatusDead task can
// still be moved by retry-from-DLQ (to pending) or skip-DLQ (to completed).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDead, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorType classifies why a task last failed.
type ErrorType string

const (
	ErrorTypeTransient ErrorType = "transient"
	ErrorTypeFatal     ErrorType = "fatal"
)

// Metadata keys recognized by the worker's chaining policy. Everything else
// in Metadata is opaque and simply copied forward verbatim by chain enqueue.
const (
	MetaRunFullPipeline = "run_full_pipeline"
	MetaTargetState     = "target_state"
	MetaInitiatedAt     = "initiated_at"
	MetaInitiatedBy     = "initiated_by"
)

// Task is the unit of work claimed and executed by a Worker.
type Task struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	EpisodeID   uuid.UUID      `db:"episode_id" json:"episode_id"`
	Stage       Stage          `db:"stage" json:"stage"`
	Status      Status         `db:"status" json:"status"`
	Priority    int            `db:"priority" json:"priority"`
	RetryCount  int            `db:"retry_count" json:"retry_count"`
	MaxRetries  int            `db:"max_retries" json:"max_retries"`
	NextRetryAt *time.Time     `db:"next_retry_at" json:"next_retry_at,omitempty"`
	ErrorType   *ErrorType     `db:"error_type" json:"error_type,omitempty"`
	LastError   *string        `db:"last_error" json:"last_error,omitempty"`
	Metadata    map[string]any `db:"metadata" json:"metadata"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
	StartedAt   *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// Clone returns a deep copy of t, so callers holding a Store-internal pointer
// never observe mutation via an alias.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		cp.NextRetryAt = &v
	}
	if t.ErrorType != nil {
		v := *t.ErrorType
		cp.ErrorType = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		cp.LastError = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.Metadata != nil {
		m := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}
	return &cp
}

// RunFullPipeline reports the run_full_pipeline metadata flag, defaulting to
// false when absent or of the wrong type.
func (t *Task) RunFullPipeline() bool {
	v, ok := t.Metadata[MetaRunFullPipeline].(bool)
	return ok && v
}

// TargetState reports the target_state metadata value, defaulting to
// StageSummarize when absent.
func (t *Task) TargetState() Stage {
	if v, ok := t.Metadata[MetaTargetState].(string); ok && ValidStage(Stage(v)) {
		return Stage(v)
	}
	return StageSummarize
}

// EpisodeFailure holds the four failure-bookkeeping fields owned by this core
// on behalf of the episode aggregate (whose remaining fields live in an
// external repository, out of scope here).
type EpisodeFailure struct {
	FailedAtStage *Stage     `json:"failed_at_stage,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	FailureType   *ErrorType `json:"failure_type,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// Failed reports whether the episode currently carries a failure record.
func (f EpisodeFailure) Failed() bool {
	return f.FailedAtStage != nil
}

// ProgressEvent is an in-memory, non-persisted message describing stage
// progress, published to and consumed from the ProgressBus.
type ProgressEvent struct {
	Stage                    string  `json:"stage"`
	ProgressPct              int     `json:"progress_pct"`
	Message                  string  `json:"message"`
	EstimatedRemainingSeconds *int   `json:"estimated_remaining_seconds,omitempty"`
}

// Terminal reports whether this event closes a ProgressBus stream.
func (e ProgressEvent) Terminal() bool {
	return e.Stage == "completed" || e.Stage == "failed" || e.Stage == "cancelled"
}
