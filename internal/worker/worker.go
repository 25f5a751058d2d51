// Package worker implements the single cooperative execution loop (C7):
// claim, execute, classify, persist, optionally chain.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orchestrator/internal/classify"
	"orchestrator/internal/episode"
	"orchestrator/internal/handler"
	"orchestrator/internal/progress"
	"orchestrator/internal/queue"
	"orchestrator/internal/task"
)

// Config holds worker-loop tunables.
type Config struct {
	// IdleSleep is how long the worker waits between ClaimNext polls when
	// nothing is runnable (worker_idle_sleep_ms, default 1s).
	IdleSleep time.Duration
}

var DefaultConfig = Config{IdleSleep: time.Second}

// Worker runs the single cooperative loop over a Queue.
type Worker struct {
	Queue      *queue.Queue
	Episodes   episode.Repository
	Handlers   *handler.Registry
	Bus        *progress.Bus
	Failures   *episode.FailureRecorder
	Log        *zap.Logger
	Metrics    Metrics
	cfg        Config
}

// New constructs a Worker. log must not be nil; pass zap.NewNop() in tests.
func New(q *queue.Queue, episodes episode.Repository, handlers *handler.Registry, bus *progress.Bus, failures *episode.FailureRecorder, log *zap.Logger, metrics Metrics, cfg Config) *Worker {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultConfig.IdleSleep
	}
	return &Worker{Queue: q, Episodes: episodes, Handlers: handlers, Bus: bus, Failures: failures, Log: log, Metrics: metrics, cfg: cfg}
}

// Run executes the loop until ctx is cancelled. In-flight handler
// invocations are allowed to finish (or observe cancellation themselves)
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t, err := w.Queue.ClaimNext(ctx, time.Now().UTC())
		if err != nil {
			w.Log.Warn("claim_next failed, treating as transient", zap.Error(err))
			if !sleepCtx(ctx, w.cfg.IdleSleep) {
				return ctx.Err()
			}
			continue
		}
		if t == nil {
			// Idle: reset stale processing tasks (orphan recovery) so a later
			// poll can claim them again.
			if _, err := w.Queue.ReclaimOrphans(ctx, time.Now().UTC()); err != nil {
				w.Log.Warn("reclaim_orphans failed", zap.Error(err))
			}
			if !sleepCtx(ctx, w.cfg.IdleSleep) {
				return ctx.Err()
			}
			continue
		}

		w.Metrics.TaskClaimed(t.Stage)
		w.runOne(ctx, t)
	}
}

// runOne executes a single claimed task through to a terminal or
// retry-scheduled outcome.
func (w *Worker) runOne(ctx context.Context, t *task.Task) {
	log := w.Log.With(zap.String("task_id", t.ID.String()), zap.String("episode_id", t.EpisodeID.String()), zap.String("stage", string(t.Stage)))

	ep, err := w.Episodes.Get(ctx, t.EpisodeID)
	if err != nil {
		w.handleClassified(ctx, t, classify.Outcome{Type: task.ErrorTypeFatal, Reason: "episode not found: " + err.Error()}, log)
		return
	}

	h := w.Handlers.MustHandler(t.Stage)
	emitter := &busEmitter{bus: w.Bus, taskID: t.ID.String(), stage: string(t.Stage)}

	start := time.Now()
	handlerErr := h.Handle(ctx, *t, handler.Episode{ID: ep.ID.String(), State: ep.State}, emitter)
	w.Metrics.HandlerDuration(t.Stage, time.Since(start))

	if handlerErr == nil {
		w.handleSuccess(ctx, t, log)
		return
	}

	if classify.IsCancellation(handlerErr) {
		if err := w.Queue.MarkCancelled(ctx, t); err != nil {
			log.Error("mark_cancelled failed", zap.Error(err))
		}
		emitter.Emit(task.ProgressEvent{Stage: "cancelled", ProgressPct: 0, Message: "cancelled"})
		return
	}

	outcome := classify.Classify(handlerErr, classify.DefaultHint)
	w.handleClassified(ctx, t, outcome, log)
}

func (w *Worker) handleSuccess(ctx context.Context, t *task.Task, log *zap.Logger) {
	if err := w.Queue.MarkCompleted(ctx, t); err != nil {
		log.Error("mark_completed failed", zap.Error(err))
		return
	}
	w.Metrics.TaskCompleted(t.Stage)

	if err := w.Failures.ClearIfMatching(ctx, t.EpisodeID, t.Stage); err != nil {
		log.Warn("clear episode failure failed", zap.Error(err))
	}

	w.Bus.Publish(t.ID.String(), task.ProgressEvent{Stage: "completed", ProgressPct: 100})

	if !t.RunFullPipeline() {
		return
	}
	next, ok := task.NextStage(t.Stage)
	if !ok || t.Stage == t.TargetState() {
		return
	}
	if _, err := w.Queue.Enqueue(ctx, t.EpisodeID, next, 0, cloneMetadata(t.Metadata)); err != nil {
		log.Error("chain enqueue failed", zap.String("next_stage", string(next)), zap.Error(err))
	}
}

func (w *Worker) handleClassified(ctx context.Context, t *task.Task, outcome classify.Outcome, log *zap.Logger) {
	switch outcome.Type {
	case task.ErrorTypeFatal:
		if err := w.Queue.MarkDead(ctx, t, outcome.Reason); err != nil {
			log.Error("mark_dead failed", zap.Error(err))
			return
		}
		w.Metrics.TaskDead(t.Stage)
		if err := w.Failures.Record(ctx, t.EpisodeID, t.Stage, outcome.Reason, task.ErrorTypeFatal); err != nil {
			log.Error("record episode failure failed", zap.Error(err))
		}
		w.Bus.Publish(t.ID.String(), task.ProgressEvent{Stage: "failed", ProgressPct: 0, Message: outcome.Reason})
	default: // transient
		if t.RetryCount >= t.MaxRetries {
			if err := w.Queue.MarkFailed(ctx, t, task.ErrorTypeTransient, outcome.Reason); err != nil {
				log.Error("mark_failed failed", zap.Error(err))
				return
			}
			w.Metrics.TaskFailed(t.Stage)
			if err := w.Failures.Record(ctx, t.EpisodeID, t.Stage, outcome.Reason, task.ErrorTypeTransient); err != nil {
				log.Error("record episode failure failed", zap.Error(err))
			}
			w.Bus.Publish(t.ID.String(), task.ProgressEvent{Stage: "failed", ProgressPct: 0, Message: outcome.Reason})
			return
		}
		if err := w.Queue.ScheduleRetry(ctx, t, task.ErrorTypeTransient, outcome.Reason); err != nil {
			log.Error("schedule_retry failed", zap.Error(err))
			return
		}
		w.Metrics.TaskRetried(t.Stage)
		w.Bus.Publish(t.ID.String(), task.ProgressEvent{Stage: "retry_scheduled", ProgressPct: 0, Message: outcome.Reason})
	}
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type busEmitter struct {
	bus    *progress.Bus
	taskID string
	stage  string
}

func (e *busEmitter) Emit(ev task.ProgressEvent) {
	e.bus.Publish(e.taskID, ev)
}
