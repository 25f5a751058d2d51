package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orchestrator/internal/apperr"
	"orchestrator/internal/backoff"
	"orchestrator/internal/episode"
	"orchestrator/internal/handler"
	"orchestrator/internal/lifecycle"
	"orchestrator/internal/progress"
	"orchestrator/internal/queue"
	"orchestrator/internal/queue/memstore"
	"orchestrator/internal/task"
)

// tracingMetrics decorates NopMetrics to also record a lifecycle.Event per
// worker outcome, letting tests assert an exact, deterministic sequence
// instead of re-deriving it from Store reads.
type tracingMetrics struct {
	NopMetrics
	rec *lifecycle.Recorder
}

func (m *tracingMetrics) TaskClaimed(stage task.Stage) {
	m.rec.Record(lifecycle.Event{Kind: lifecycle.EventClaimed, TaskID: "t", Stage: string(stage)})
}
func (m *tracingMetrics) TaskCompleted(stage task.Stage) {
	m.rec.Record(lifecycle.Event{Kind: lifecycle.EventCompleted, TaskID: "t", Stage: string(stage)})
}
func (m *tracingMetrics) TaskRetried(stage task.Stage) {
	m.rec.Record(lifecycle.Event{Kind: lifecycle.EventRetryScheduled, TaskID: "t", Stage: string(stage)})
}
func (m *tracingMetrics) TaskFailed(stage task.Stage) {
	m.rec.Record(lifecycle.Event{Kind: lifecycle.EventFailed, TaskID: "t", Stage: string(stage)})
}
func (m *tracingMetrics) TaskDead(stage task.Stage) {
	m.rec.Record(lifecycle.Event{Kind: lifecycle.EventDead, TaskID: "t", Stage: string(stage)})
}

type fakeRepo struct{ state string }

func (r *fakeRepo) Get(ctx context.Context, id uuid.UUID) (*episode.Episode, error) {
	return &episode.Episode{ID: id, State: r.state}, nil
}

func newTestWorker(t *testing.T, h handler.Handler, repo *fakeRepo, metrics Metrics, maxRetries int) (*Worker, *queue.Queue, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	schedule := backoff.NewSchedule(backoff.Config{Base: time.Millisecond, Multiplier: 2, Cap: time.Second, Jitter: 0})
	q := queue.New(store, schedule, queue.Config{MaxRetries: maxRetries, OrphanStaleness: time.Minute, CompletedRetentionDays: 7})

	handlers := handler.NewRegistry()
	handlers.Register(task.StageDownload, h)

	bus := progress.NewBus(4)
	failures := &episode.FailureRecorder{Store: store}
	w := New(q, repo, handlers, bus, failures, zap.NewNop(), metrics, Config{IdleSleep: time.Millisecond})

	episodeID := uuid.New()
	return w, q, episodeID
}

// TestRunOne_TransientThenSuccess mirrors §8's "Transient then success"
// scenario: the handler fails once with a transient error, then succeeds.
func TestRunOne_TransientThenSuccess(t *testing.T) {
	attempts := 0
	h := handler.HandlerFunc(func(ctx context.Context, tk task.Task, ep handler.Episode, emit handler.Emitter) error {
		attempts++
		if attempts == 1 {
			return &apperr.TransientError{Code: "http_503", Message: "service unavailable"}
		}
		return nil
	})

	rec := lifecycle.NewRecorder()
	repo := &fakeRepo{state: "discovered"}
	w, q, episodeID := newTestWorker(t, h, repo, &tracingMetrics{rec: rec}, 3)

	ctx := context.Background()
	tk, err := q.Enqueue(ctx, episodeID, task.StageDownload, 0, map[string]any{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.ClaimNext(ctx, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("claim 1: %v", err)
	}
	w.runOne(ctx, claimed)

	got, err := q.ByID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Status != task.StatusRetryScheduled {
		t.Fatalf("expected retry_scheduled after first attempt, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", got.RetryCount)
	}

	// Second attempt, after the retry delay.
	claimed2, err := q.ClaimNext(ctx, time.Now().Add(time.Second).UTC())
	if err != nil || claimed2 == nil {
		t.Fatalf("claim 2: %v", err)
	}
	w.runOne(ctx, claimed2)

	final, err := q.ByID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("by id final: %v", err)
	}
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	events := rec.Snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 recorded events (retry, then complete), got %d: %+v", len(events), events)
	}
	if events[0].Kind != lifecycle.EventRetryScheduled || events[1].Kind != lifecycle.EventCompleted {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
}

// TestRunOne_ExhaustedTransient mirrors §8's "Exhausted transient" scenario:
// every attempt fails transiently, max_retries=3, terminal status=failed.
func TestRunOne_ExhaustedTransient(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, tk task.Task, ep handler.Episode, emit handler.Emitter) error {
		return &apperr.TransientError{Code: "connection_reset", Message: "connection reset"}
	})

	repo := &fakeRepo{state: "discovered"}
	w, q, episodeID := newTestWorker(t, h, repo, NopMetrics{}, 3)

	ctx := context.Background()
	tk, err := q.Enqueue(ctx, episodeID, task.StageDownload, 0, map[string]any{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		claimed, err := q.ClaimNext(ctx, now)
		if err != nil || claimed == nil {
			t.Fatalf("claim attempt %d: %v", i, err)
		}
		w.runOne(ctx, claimed)
		now = now.Add(time.Second)
	}

	final, err := q.ByID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if final.Status != task.StatusFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", final.Status)
	}

	fail, err := q.EpisodeFailure(ctx, episodeID)
	if err != nil {
		t.Fatalf("episode failure: %v", err)
	}
	if !fail.Failed() || *fail.FailedAtStage != task.StageDownload {
		t.Fatalf("expected episode failure recorded at download, got %+v", fail)
	}
}

// TestRunOne_Fatal mirrors §8's "Fatal" scenario: a single fatal attempt
// routes straight to dead, no retry.
func TestRunOne_Fatal(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, tk task.Task, ep handler.Episode, emit handler.Emitter) error {
		return &apperr.FatalError{Code: "http_404", Message: "not found"}
	})

	repo := &fakeRepo{state: "discovered"}
	w, q, episodeID := newTestWorker(t, h, repo, NopMetrics{}, 3)

	ctx := context.Background()
	tk, err := q.Enqueue(ctx, episodeID, task.StageDownload, 0, map[string]any{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	w.runOne(ctx, claimed)

	final, err := q.ByID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if final.Status != task.StatusDead {
		t.Fatalf("expected dead after a single fatal attempt, got %s", final.Status)
	}
	if final.RetryCount != 0 {
		t.Fatalf("expected no retry for a fatal error, got retry_count=%d", final.RetryCount)
	}
}

// TestRunOne_ChainsOnFullPipeline exercises chain-enqueue: a completed stage
// with run_full_pipeline=true enqueues the next stage carrying the same
// metadata.
func TestRunOne_ChainsOnFullPipeline(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, tk task.Task, ep handler.Episode, emit handler.Emitter) error {
		return nil
	})

	repo := &fakeRepo{state: "discovered"}
	w, q, episodeID := newTestWorker(t, h, repo, NopMetrics{}, 3)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, episodeID, task.StageDownload, 0, map[string]any{
		task.MetaRunFullPipeline: true,
		task.MetaTargetState:     string(task.StageSummarize),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	w.runOne(ctx, claimed)

	chained, err := q.ByStatus(ctx, task.StatusPending)
	if err != nil {
		t.Fatalf("by status: %v", err)
	}
	if len(chained) != 1 || chained[0].Stage != task.StageDownsample {
		t.Fatalf("expected one chained downsample task, got %+v", chained)
	}
	if !chained[0].RunFullPipeline() {
		t.Fatalf("expected chained task to carry run_full_pipeline forward")
	}
}

// TestRunOne_IdempotentHandlerNotInvokedTwice checks that running one
// claimed task invokes its stage handler exactly once.
func TestRunOne_IdempotentHandlerNotInvokedTwice(t *testing.T) {
	invocations := 0
	h := handler.HandlerFunc(func(ctx context.Context, tk task.Task, ep handler.Episode, emit handler.Emitter) error {
		invocations++
		return nil
	})

	repo := &fakeRepo{state: "discovered"}
	w, q, episodeID := newTestWorker(t, h, repo, NopMetrics{}, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, episodeID, task.StageDownload, 0, map[string]any{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	w.runOne(ctx, claimed)

	if invocations != 1 {
		t.Fatalf("expected exactly one invocation, got %d", invocations)
	}
}
