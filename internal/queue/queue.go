package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/backoff"
	"orchestrator/internal/task"
)

// Config holds the queue-level tunables.
type Config struct {
	MaxRetries              int
	OrphanStaleness         time.Duration
	CompletedRetentionDays  int
}

// DefaultConfig holds the documented defaults: max_retries=3,
// orphan_staleness_seconds=300.
var DefaultConfig = Config{
	MaxRetries:             3,
	OrphanStaleness:        300 * time.Second,
	CompletedRetentionDays: 7,
}

// Queue is the public API (C6): enqueue, claim-next, mark outcomes, schedule
// retry, DLQ movement, bump, cancel-for-episode, and read queries. It wraps a
// Store (C1) and a backoff Schedule (C3); it holds no durable state of its
// own.
type Queue struct {
	store    Store
	schedule *backoff.Schedule
	cfg      Config
}

// New builds a Queue over store using cfg and schedule.
func New(store Store, schedule *backoff.Schedule, cfg Config) *Queue {
	return &Queue{store: store, schedule: schedule, cfg: cfg}
}

// Snapshot is the queue-snapshot command's payload: counts by status, the
// current processing task (if any, picking the oldest by created_at when
// more than one worker is running), and the ordered pending list.
type Snapshot struct {
	Counts     StatusCounts
	Processing *task.Task
	Pending    []*task.Task
}

// Enqueue inserts a new pending task for (episodeID, stage), applying
// max_retries default and returning ErrDuplicate if an active task already
// exists for this episode/stage.
func (q *Queue) Enqueue(ctx context.Context, episodeID uuid.UUID, stage task.Stage, priority int, metadata map[string]any) (*task.Task, error) {
	now := time.Now().UTC()
	t := &task.Task{
		ID:         uuid.New(),
		EpisodeID:  episodeID,
		Stage:      stage,
		Status:     task.StatusPending,
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	if err := q.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ClaimNext claims the next runnable task, if any.
func (q *Queue) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	return q.store.ClaimNext(ctx, now)
}

// MarkCompleted transitions t (must be processing) to completed.
func (q *Queue) MarkCompleted(ctx context.Context, t *task.Task) error {
	if err := transition(t.Status, task.StatusCompleted); err != nil {
		return err
	}
	prevUpdated := t.UpdatedAt
	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	return q.store.Update(ctx, t, prevUpdated)
}

// MarkCancelled transitions t to cancelled (from processing, cooperative
// cancellation observed by the handler).
func (q *Queue) MarkCancelled(ctx context.Context, t *task.Task) error {
	if err := transition(t.Status, task.StatusCancelled); err != nil {
		return err
	}
	prevUpdated := t.UpdatedAt
	now := time.Now().UTC()
	t.Status = task.StatusCancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
	return q.store.Update(ctx, t, prevUpdated)
}

// ScheduleRetry transitions t (must be processing) to retry_scheduled,
// recording the new retry_count and next_retry_at. Per §4.7, retry_count is
// incremented only on this transition; the NEXT attempt observes it.
func (q *Queue) ScheduleRetry(ctx context.Context, t *task.Task, errType task.ErrorType, reason string) error {
	if err := transition(t.Status, task.StatusRetryScheduled); err != nil {
		return err
	}
	prevUpdated := t.UpdatedAt
	now := time.Now().UTC()
	nextRetryAt := now.Add(q.schedule.DelayFor(t.RetryCount))

	t.Status = task.StatusRetryScheduled
	t.RetryCount++
	t.NextRetryAt = &nextRetryAt
	t.ErrorType = &errType
	t.LastError = truncatedReason(reason)
	t.UpdatedAt = now
	return q.store.Update(ctx, t, prevUpdated)
}

// MarkFailed transitions t (must be processing) to failed: retries exhausted.
func (q *Queue) MarkFailed(ctx context.Context, t *task.Task, errType task.ErrorType, reason string) error {
	if err := transition(t.Status, task.StatusFailed); err != nil {
		return err
	}
	prevUpdated := t.UpdatedAt
	now := time.Now().UTC()
	t.Status = task.StatusFailed
	t.ErrorType = &errType
	t.LastError = truncatedReason(reason)
	t.CompletedAt = &now
	t.UpdatedAt = now
	return q.store.Update(ctx, t, prevUpdated)
}

// MarkDead transitions t (must be processing) to dead: fatal classification.
func (q *Queue) MarkDead(ctx context.Context, t *task.Task, reason string) error {
	if err := transition(t.Status, task.StatusDead); err != nil {
		return err
	}
	prevUpdated := t.UpdatedAt
	now := time.Now().UTC()
	ft := task.ErrorTypeFatal
	t.Status = task.StatusDead
	t.ErrorType = &ft
	t.LastError = truncatedReason(reason)
	t.CompletedAt = &now
	t.UpdatedAt = now
	return q.store.Update(ctx, t, prevUpdated)
}

// Bump assigns priority = max(priority over pending) + 1 to taskID, and
// applies only when status=pending; returns false otherwise. No reordering
// of already-claimed tasks.
func (q *Queue) Bump(ctx context.Context, taskID uuid.UUID) (bool, error) {
	t, err := q.store.ByID(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusPending {
		return false, nil
	}
	pending, err := q.store.ByStatus(ctx, task.StatusPending)
	if err != nil {
		return false, err
	}
	maxPriority := t.Priority
	for _, p := range pending {
		if p.Priority > maxPriority {
			maxPriority = p.Priority
		}
	}
	prevUpdated := t.UpdatedAt
	t.Priority = maxPriority + 1
	t.UpdatedAt = time.Now().UTC()
	if err := q.store.Update(ctx, t, prevUpdated); err != nil {
		return false, err
	}
	return true, nil
}

// CancelPipeline atomically transitions all pending and retry_scheduled
// tasks for episodeID to cancelled. A processing task is left alone;
// cancellation of it is advisory-only (cooperative).
func (q *Queue) CancelPipeline(ctx context.Context, episodeID uuid.UUID) (int, error) {
	cancelled := 0
	err := q.store.Transaction(ctx, func(ctx context.Context, tx Store) error {
		tasks, err := tx.ByEpisode(ctx, episodeID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status != task.StatusPending && t.Status != task.StatusRetryScheduled {
				continue
			}
			if err := transition(t.Status, task.StatusCancelled); err != nil {
				return err
			}
			prevUpdated := t.UpdatedAt
			now := time.Now().UTC()
			t.Status = task.StatusCancelled
			t.CompletedAt = &now
			t.UpdatedAt = now
			if err := tx.Update(ctx, t, prevUpdated); err != nil {
				return err
			}
			cancelled++
		}
		return nil
	})
	return cancelled, err
}

// RetryFromDLQ moves a dead task back to pending: resets retry_count=0,
// clears last_error/error_type, and clears the episode failure if it matches
// the dead task's stage.
func (q *Queue) RetryFromDLQ(ctx context.Context, taskID uuid.UUID) error {
	return q.store.Transaction(ctx, func(ctx context.Context, tx Store) error {
		t, err := tx.ByID(ctx, taskID)
		if err != nil {
			return err
		}
		if err := transition(t.Status, task.StatusPending); err != nil {
			return err
		}
		prevUpdated := t.UpdatedAt
		t.Status = task.StatusPending
		t.RetryCount = 0
		t.ErrorType = nil
		t.LastError = nil
		t.UpdatedAt = time.Now().UTC()
		if err := tx.Update(ctx, t, prevUpdated); err != nil {
			return err
		}

		fail, err := tx.EpisodeFailure(ctx, t.EpisodeID)
		if err != nil {
			return err
		}
		if fail.FailedAtStage != nil && *fail.FailedAtStage == t.Stage {
			if err := tx.ClearEpisodeFailure(ctx, t.EpisodeID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SkipDLQ moves a dead task straight to completed (observational only); it
// does not clear the episode failure automatically.
func (q *Queue) SkipDLQ(ctx context.Context, taskID uuid.UUID) error {
	t, err := q.store.ByID(ctx, taskID)
	if err != nil {
		return err
	}
	if err := transition(t.Status, task.StatusCompleted); err != nil {
		return err
	}
	prevUpdated := t.UpdatedAt
	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	return q.store.Update(ctx, t, prevUpdated)
}

// RetryAllDLQ fans RetryFromDLQ out across every dead task, returning the
// number retried.
func (q *Queue) RetryAllDLQ(ctx context.Context) (int, error) {
	dead, err := q.store.ByStatus(ctx, task.StatusDead)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range dead {
		if err := q.RetryFromDLQ(ctx, t.ID); err != nil {
			return n, fmt.Errorf("retrying %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

// RetryEpisode clears the episode's failure record and, if a failed stage is
// known, enqueues a fresh task at that stage with retry_count=0.
func (q *Queue) RetryEpisode(ctx context.Context, episodeID uuid.UUID) (*task.Task, error) {
	var enqueued *task.Task
	err := q.store.Transaction(ctx, func(ctx context.Context, tx Store) error {
		fail, err := tx.EpisodeFailure(ctx, episodeID)
		if err != nil {
			return err
		}
		if err := tx.ClearEpisodeFailure(ctx, episodeID); err != nil {
			return err
		}
		if fail.FailedAtStage == nil {
			return nil
		}
		now := time.Now().UTC()
		t := &task.Task{
			ID:         uuid.New(),
			EpisodeID:  episodeID,
			Stage:      *fail.FailedAtStage,
			Status:     task.StatusPending,
			MaxRetries: q.cfg.MaxRetries,
			Metadata:   map[string]any{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Insert(ctx, t); err != nil {
			return err
		}
		enqueued = t
		return nil
	})
	return enqueued, err
}

// ReclaimOrphans resets stale processing tasks to retry_scheduled per the
// orphan-recovery rule (§4.1). The worker calls it from its idle loop each
// time ClaimNext finds nothing runnable; there is no dedicated background
// goroutine.
func (q *Queue) ReclaimOrphans(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return q.store.ReclaimOrphans(ctx, now, q.cfg.OrphanStaleness)
}

// ByID, ByEpisode, ByStatus are read-only passthroughs to the Store.
func (q *Queue) ByID(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return q.store.ByID(ctx, id)
}

func (q *Queue) ByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*task.Task, error) {
	return q.store.ByEpisode(ctx, episodeID)
}

func (q *Queue) ByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return q.store.ByStatus(ctx, status)
}

func (q *Queue) EpisodeFailure(ctx context.Context, episodeID uuid.UUID) (task.EpisodeFailure, error) {
	return q.store.EpisodeFailure(ctx, episodeID)
}

// SnapshotQueue returns counts by status, the oldest current processing
// task (if any), and the ordered pending list, for the queue-snapshot
// command.
func (q *Queue) SnapshotQueue(ctx context.Context) (Snapshot, error) {
	counts, err := q.store.CountsByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	processingTasks, err := q.store.ByStatus(ctx, task.StatusProcessing)
	if err != nil {
		return Snapshot{}, err
	}
	var processing *task.Task
	for _, t := range processingTasks {
		if processing == nil || t.CreatedAt.Before(processing.CreatedAt) {
			processing = t
		}
	}
	pending, err := q.store.ByStatus(ctx, task.StatusPending)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Counts: counts, Processing: processing, Pending: pending}, nil
}

// Sweep deletes tasks in a terminal status older than completed_retention_days.
// It is ground for a separate cleanup job (external cron-like caller), not
// required for correctness, and is not run as a background goroutine of its
// own.
func (q *Queue) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -q.cfg.CompletedRetentionDays)
	swept := 0
	for _, status := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusDead, task.StatusCancelled} {
		tasks, err := q.store.ByStatus(ctx, status)
		if err != nil {
			return swept, err
		}
		for _, t := range tasks {
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				if err := q.store.Delete(ctx, t.ID); err != nil {
					return swept, err
				}
				swept++
			}
		}
	}
	return swept, nil
}

const maxReasonBytes = 2048

func truncatedReason(reason string) *string {
	if len(reason) > maxReasonBytes {
		reason = reason[:maxReasonBytes] + "…"
	}
	return &reason
}
