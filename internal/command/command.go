// Package command implements CommandSurface (C9): the thin adapter
// translating external requests into Queue/Worker calls, enforcing
// stage/episode-state preconditions before any Queue mutation.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"orchestrator/internal/apperr"
	"orchestrator/internal/episode"
	"orchestrator/internal/progress"
	"orchestrator/internal/queue"
	"orchestrator/internal/task"
)

// stagePrecondition maps a stage to the episode state it requires.
var stagePrecondition = map[task.Stage]string{
	task.StageDownload:   "discovered",
	task.StageDownsample: "downloaded",
	task.StageTranscribe: "downsampled",
	task.StageClean:      "transcribed",
	task.StageSummarize:  "cleaned",
}

// startingStageFor computes which stage a fresh pipeline run should begin
// at, given the episode's current artifact state.
var startingStageFor = map[string]task.Stage{
	"discovered":  task.StageDownload,
	"downloaded":  task.StageDownsample,
	"downsampled": task.StageTranscribe,
	"transcribed": task.StageClean,
	"cleaned":     task.StageSummarize,
}

// Surface is CommandSurface (C9).
type Surface struct {
	Queue    *queue.Queue
	Episodes episode.Repository
	Bus      *progress.Bus
	validate *validator.Validate
}

// New constructs a Surface.
func New(q *queue.Queue, episodes episode.Repository, bus *progress.Bus) *Surface {
	return &Surface{Queue: q, Episodes: episodes, Bus: bus, validate: validator.New()}
}

// EnqueueStageRequest is the validated payload for EnqueueStage.
type EnqueueStageRequest struct {
	EpisodeID uuid.UUID  `validate:"required"`
	Stage     task.Stage `validate:"required,oneof=download downsample transcribe clean summarize"`
}

func (s *Surface) validateReq(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return &apperr.ValidationError{Code: "invalid_request", Message: err.Error()}
	}
	return nil
}

// EnqueueStage enqueues a single stage for an episode, enforcing the
// stage->precondition table and the at-most-one-active-task rule.
func (s *Surface) EnqueueStage(ctx context.Context, req EnqueueStageRequest) (*task.Task, error) {
	if err := s.validateReq(req); err != nil {
		return nil, err
	}

	ep, err := s.Episodes.Get(ctx, req.EpisodeID)
	if err != nil {
		return nil, &apperr.ValidationError{Code: "unknown_episode", Message: err.Error()}
	}
	required, ok := stagePrecondition[req.Stage]
	if !ok {
		return nil, &apperr.ValidationError{Code: "unknown_stage", Message: string(req.Stage)}
	}
	if ep.State != required {
		return nil, &apperr.ValidationError{Code: "wrong_state", Message: fmt.Sprintf("stage %s requires episode state %q, got %q", req.Stage, required, ep.State)}
	}

	t, err := s.Queue.Enqueue(ctx, req.EpisodeID, req.Stage, 0, map[string]any{})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			return nil, &apperr.ValidationError{Code: "already_queued", Message: "an active task already exists for this episode/stage"}
		}
		return nil, &apperr.StorageError{Op: "enqueue_stage", Cause: err}
	}
	return t, nil
}

// RunPipelineRequest is the validated payload for RunPipeline.
type RunPipelineRequest struct {
	EpisodeID  uuid.UUID `validate:"required"`
	// TargetState is optional; empty means default (summarize).
	TargetState task.Stage
}

// RunPipeline computes the starting stage from the episode's current
// artifact state and enqueues one task carrying run_full_pipeline=true.
func (s *Surface) RunPipeline(ctx context.Context, req RunPipelineRequest) (*task.Task, error) {
	if err := s.validate.Var(req.EpisodeID, "required"); err != nil {
		return nil, &apperr.ValidationError{Code: "invalid_request", Message: err.Error()}
	}

	ep, err := s.Episodes.Get(ctx, req.EpisodeID)
	if err != nil {
		return nil, &apperr.ValidationError{Code: "unknown_episode", Message: err.Error()}
	}
	startStage, ok := startingStageFor[ep.State]
	if !ok {
		return nil, &apperr.ValidationError{Code: "wrong_state", Message: fmt.Sprintf("episode state %q has no runnable stage", ep.State)}
	}

	target := req.TargetState
	if target == "" {
		target = task.StageSummarize
	}
	if !task.ValidStage(target) {
		return nil, &apperr.ValidationError{Code: "unknown_stage", Message: string(target)}
	}

	metadata := map[string]any{
		task.MetaRunFullPipeline: true,
		task.MetaTargetState:     string(target),
	}
	t, err := s.Queue.Enqueue(ctx, req.EpisodeID, startStage, 0, metadata)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			return nil, &apperr.ValidationError{Code: "already_queued", Message: "an active task already exists for this episode/stage"}
		}
		return nil, &apperr.StorageError{Op: "run_pipeline", Cause: err}
	}
	return t, nil
}

// CancelPipeline cancels every pending/retry_scheduled task for episodeID.
func (s *Surface) CancelPipeline(ctx context.Context, episodeID uuid.UUID) (int, error) {
	n, err := s.Queue.CancelPipeline(ctx, episodeID)
	if err != nil {
		return 0, &apperr.StorageError{Op: "cancel_pipeline", Cause: err}
	}
	return n, nil
}

// TaskStatus returns a task by id.
func (s *Surface) TaskStatus(ctx context.Context, taskID uuid.UUID) (*task.Task, error) {
	t, err := s.Queue.ByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, &apperr.ValidationError{Code: "unknown_task", Message: taskID.String()}
		}
		return nil, &apperr.StorageError{Op: "task_status", Cause: err}
	}
	return t, nil
}

// SubscribeProgress delegates to the ProgressBus.
func (s *Surface) SubscribeProgress(taskID uuid.UUID) (<-chan task.ProgressEvent, func()) {
	return s.Bus.Subscribe(taskID.String())
}

// CurrentProgress is the non-streaming progress fallback.
func (s *Surface) CurrentProgress(taskID uuid.UUID) (task.ProgressEvent, bool) {
	return s.Bus.Current(taskID.String())
}

// QueueSnapshot returns the queue-snapshot command's payload.
func (s *Surface) QueueSnapshot(ctx context.Context) (queue.Snapshot, error) {
	snap, err := s.Queue.SnapshotQueue(ctx)
	if err != nil {
		return queue.Snapshot{}, &apperr.StorageError{Op: "queue_snapshot", Cause: err}
	}
	return snap, nil
}

// DLQList returns every task currently dead.
func (s *Surface) DLQList(ctx context.Context) ([]*task.Task, error) {
	tasks, err := s.Queue.ByStatus(ctx, task.StatusDead)
	if err != nil {
		return nil, &apperr.StorageError{Op: "dlq_list", Cause: err}
	}
	return tasks, nil
}

// RetryDLQ retries a single dead task.
func (s *Surface) RetryDLQ(ctx context.Context, taskID uuid.UUID) error {
	if err := s.Queue.RetryFromDLQ(ctx, taskID); err != nil {
		return &apperr.StorageError{Op: "retry_dlq", Cause: err}
	}
	return nil
}

// SkipDLQ skips a single dead task.
func (s *Surface) SkipDLQ(ctx context.Context, taskID uuid.UUID) error {
	if err := s.Queue.SkipDLQ(ctx, taskID); err != nil {
		return &apperr.StorageError{Op: "skip_dlq", Cause: err}
	}
	return nil
}

// RetryAllDLQ retries every dead task.
func (s *Surface) RetryAllDLQ(ctx context.Context) (int, error) {
	n, err := s.Queue.RetryAllDLQ(ctx)
	if err != nil {
		return n, &apperr.StorageError{Op: "retry_all_dlq", Cause: err}
	}
	return n, nil
}

// EpisodeFailureLookup returns the episode's current failure record, if any.
func (s *Surface) EpisodeFailureLookup(ctx context.Context, episodeID uuid.UUID) (task.EpisodeFailure, error) {
	f, err := s.Queue.EpisodeFailure(ctx, episodeID)
	if err != nil {
		return task.EpisodeFailure{}, &apperr.StorageError{Op: "episode_failure_lookup", Cause: err}
	}
	return f, nil
}

// RetryEpisode clears the episode's failure record and enqueues a fresh task
// at the failed stage, if known.
func (s *Surface) RetryEpisode(ctx context.Context, episodeID uuid.UUID) (*task.Task, error) {
	t, err := s.Queue.RetryEpisode(ctx, episodeID)
	if err != nil {
		return nil, &apperr.StorageError{Op: "retry_episode", Cause: err}
	}
	return t, nil
}

// Bump bumps a pending task's priority above every other pending task.
func (s *Surface) Bump(ctx context.Context, taskID uuid.UUID) (bool, error) {
	ok, err := s.Queue.Bump(ctx, taskID)
	if err != nil {
		return false, &apperr.StorageError{Op: "bump", Cause: err}
	}
	return ok, nil
}
