// Package stagehandler provides the reference stage handlers cmd/orchestratord
// registers by default. Real stage business logic — HTTP download, audio
// resampling, speech-to-text, LLM summarization — is out of scope for this
// core; these implementations simulate the artifact work
// just enough to exercise the full task lifecycle end to end: idempotence
// check, monotonic progress, cooperative cancellation.
package stagehandler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/apperr"
	"orchestrator/internal/handler"
	"orchestrator/internal/task"
)

// StateSetter advances an episode to a new artifact state once a stage's
// output exists. A real implementation persists this durably; MemRepository
// is the in-process reference.
type StateSetter interface {
	SetState(ctx context.Context, id uuid.UUID, state string) error
}

// stateFor maps a stage to the artifact state it produces on success.
var stateFor = map[task.Stage]string{
	task.StageDownload:   "downloaded",
	task.StageDownsample: "downsampled",
	task.StageTranscribe: "transcribed",
	task.StageClean:      "cleaned",
	task.StageSummarize:  "summarized",
}

// requiredFor maps a stage to the artifact state the episode must already be
// in, mirroring command.stagePrecondition; used for the precondition check.
var requiredFor = map[task.Stage]string{
	task.StageDownload:   "discovered",
	task.StageDownsample: "downloaded",
	task.StageTranscribe: "downsampled",
	task.StageClean:      "transcribed",
	task.StageSummarize:  "cleaned",
}

// simulated is how long each handler pretends to work, split into two
// progress checkpoints, so the demo produces observable in-flight progress
// events without the test suite paying for real I/O latency.
const simulated = 20 * time.Millisecond

// New builds the HandlerFunc for stage against setter.
func New(stage task.Stage, setter StateSetter) handler.Handler {
	produces := stateFor[stage]
	requires := requiredFor[stage]

	return handler.HandlerFunc(func(ctx context.Context, t task.Task, ep handler.Episode, emit handler.Emitter) error {
		if ep.State == produces {
			// Idempotent: the artifact already exists, nothing to redo.
			emit.Emit(task.ProgressEvent{Stage: "completed", ProgressPct: 100, Message: "already " + produces})
			return nil
		}
		if requires != "" && ep.State != requires {
			return &apperr.FatalError{
				Code:    "precondition_failed",
				Message: "episode is in state " + ep.State + ", expected " + requires,
			}
		}

		emit.Emit(task.ProgressEvent{Stage: string(stage), ProgressPct: 0})

		if err := sleepCtx(ctx, simulated); err != nil {
			return err
		}
		emit.Emit(task.ProgressEvent{Stage: string(stage), ProgressPct: 50})

		if err := sleepCtx(ctx, simulated); err != nil {
			return err
		}

		episodeID, err := uuid.Parse(ep.ID)
		if err != nil {
			return &apperr.FatalError{Code: "invalid_episode_id", Message: err.Error(), Cause: err}
		}
		if err := setter.SetState(ctx, episodeID, produces); err != nil {
			return &apperr.TransientError{Code: "state_update_failed", Message: "advancing episode state", Cause: err}
		}

		emit.Emit(task.ProgressEvent{Stage: "completed", ProgressPct: 100})
		return nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &apperr.CancellationError{Message: ctx.Err().Error()}
	case <-t.C:
		return nil
	}
}
