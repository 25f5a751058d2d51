// Package episode defines the episode repository boundary (persistence of
// podcast/episode metadata is out of scope for this core; only the
// interface and an in-memory reference implementation, MemRepository, live
// here) and the EpisodeFailureRecorder (C8).
package episode

import (
	"context"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/queue"
	"orchestrator/internal/task"
)

// Episode is the minimal view of an episode the worker needs to resolve
// before dispatching a handler. Full episode/podcast persistence lives in an
// external repository; this core only owns the four failure-bookkeeping
// fields, which FailureRecorder keeps in the queue Store, not in Repository.
type Episode struct {
	ID    uuid.UUID
	State string
}

// Repository resolves episodes by id. A durable implementation (HTTP
// client, SQL repository) is out of scope, per the core's
// external-collaborator boundary; MemRepository is the in-memory one.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Episode, error)
}

// FailureRecorder persists the four episode failure fields
// (failed_at_stage, failure_reason, failure_type, failed_at) via the Store
// that also holds task rows, and clears them again on a later successful
// completion of the same stage.
//
// It is a thin, intentionally small wrapper (mirroring this codebase's own
// FailureRecorder-over-Store shape): classification is already done by the
// caller (the worker, via package classify); this type only persists.
type FailureRecorder struct {
	Store queue.Store
}

const maxReasonBytes = 2048

// Record persists a failure for episodeID at stage with reason and errType,
// truncating reason to a bounded length.
func (r *FailureRecorder) Record(ctx context.Context, episodeID uuid.UUID, stage task.Stage, reason string, errType task.ErrorType) error {
	if len(reason) > maxReasonBytes {
		reason = reason[:maxReasonBytes] + "…"
	}
	now := time.Now().UTC()
	s := stage
	et := errType
	return r.Store.SetEpisodeFailure(ctx, episodeID, task.EpisodeFailure{
		FailedAtStage: &s,
		FailureReason: &reason,
		FailureType:   &et,
		FailedAt:      &now,
	})
}

// ClearIfMatching clears the episode's failure record if and only if it was
// recorded against stage — called by the worker on a successful completion,
// before chaining, so a recovered later stage doesn't erase an unrelated
// earlier failure record for a different stage.
func (r *FailureRecorder) ClearIfMatching(ctx context.Context, episodeID uuid.UUID, stage task.Stage) error {
	f, err := r.Store.EpisodeFailure(ctx, episodeID)
	if err != nil {
		return err
	}
	if f.FailedAtStage == nil || *f.FailedAtStage != stage {
		return nil
	}
	return r.Store.ClearEpisodeFailure(ctx, episodeID)
}
