// Package queue implements the durable task queue: the public Queue API
// (C6) wrapping a pluggable Store (C1) and the Backoff schedule (C3).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/task"
)

// ErrDuplicate is returned by Store.Insert when an active task already
// exists for (episode_id, stage).
var ErrDuplicate = errors.New("queue: duplicate active task for episode/stage")

// ErrNotFound is returned when a task id does not exist in the Store.
var ErrNotFound = errors.New("queue: task not found")

// ErrStaleUpdate is returned by Store.Update when the caller's view of
// updated_at no longer matches the stored row (a concurrent writer won).
var ErrStaleUpdate = errors.New("queue: stale update, row changed concurrently")

// InvalidTransitionError reports an attempt to move a task between two
// statuses not connected by an edge in the state machine.
type InvalidTransitionError struct {
	From, To task.Status
}

func (e *InvalidTransitionError) Error() string {
	return "queue: invalid transition " + string(e.From) + " -> " + string(e.To)
}

// StatusCounts maps a Status to the number of tasks currently in it.
type StatusCounts map[task.Status]int

// Store is the durable, crash-consistent persistence layer. Every method
// must be atomic with respect to concurrent callers.
//
// Two implementations exist: queue/memstore (in-process, for tests and
// single-node deployments that accept losing the queue on restart) and
// queue/pgstore (PostgreSQL-backed, the durable production backend).
type Store interface {
	Insert(ctx context.Context, t *task.Task) error

	// ClaimNext selects the next runnable task (pending, or retry_scheduled
	// with next_retry_at <= now) ordered by priority DESC, created_at ASC,
	// id ASC, and atomically transitions it to processing. Returns
	// (nil, nil) when nothing is runnable.
	ClaimNext(ctx context.Context, now time.Time) (*task.Task, error)

	// Update persists t's full row, failing with ErrStaleUpdate if the
	// stored updated_at no longer matches expectedUpdatedAt.
	Update(ctx context.Context, t *task.Task, expectedUpdatedAt time.Time) error

	ByID(ctx context.Context, id uuid.UUID) (*task.Task, error)
	ByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*task.Task, error)
	ByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	CountsByStatus(ctx context.Context) (StatusCounts, error)

	SetEpisodeFailure(ctx context.Context, episodeID uuid.UUID, f task.EpisodeFailure) error
	ClearEpisodeFailure(ctx context.Context, episodeID uuid.UUID) error
	EpisodeFailure(ctx context.Context, episodeID uuid.UUID) (task.EpisodeFailure, error)

	// ReclaimOrphans resets every processing task whose updated_at is older
	// than now.Add(-staleness) back to retry_scheduled with
	// next_retry_at=now, leaving retry_count unchanged. Returns the ids
	// reclaimed.
	ReclaimOrphans(ctx context.Context, now time.Time, staleness time.Duration) ([]uuid.UUID, error)

	// Transaction groups multiple mutations atomically, used by
	// retry-from-DLQ and cancel-pipeline.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Delete removes a terminal task permanently. Used by the retention
	// sweep; never called for a non-terminal task.
	Delete(ctx context.Context, id uuid.UUID) error
}
