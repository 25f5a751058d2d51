package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/apperr"
	"orchestrator/internal/backoff"
	"orchestrator/internal/episode"
	"orchestrator/internal/progress"
	"orchestrator/internal/queue"
	"orchestrator/internal/queue/memstore"
	"orchestrator/internal/task"
)

func newTestSurface(t *testing.T) (*Surface, *episode.MemRepository, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	schedule := backoff.NewSchedule(backoff.DefaultConfig)
	q := queue.New(store, schedule, queue.DefaultConfig)
	repo := episode.NewMemRepository()
	bus := progress.NewBus(4)

	episodeID := uuid.New()
	repo.Put(episodeID, "discovered")

	return New(q, repo, bus), repo, episodeID
}

func TestEnqueueStage_RejectsWrongEpisodeState(t *testing.T) {
	s, _, episodeID := newTestSurface(t)
	_, err := s.EnqueueStage(context.Background(), EnqueueStageRequest{EpisodeID: episodeID, Stage: task.StageTranscribe})
	if err == nil {
		t.Fatal("expected precondition failure enqueuing transcribe before download")
	}
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Code != "wrong_state" {
		t.Fatalf("expected wrong_state validation error, got %v", err)
	}
}

func TestEnqueueStage_SucceedsWhenPreconditionMet(t *testing.T) {
	s, _, episodeID := newTestSurface(t)
	tk, err := s.EnqueueStage(context.Background(), EnqueueStageRequest{EpisodeID: episodeID, Stage: task.StageDownload})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if tk.Stage != task.StageDownload || tk.Status != task.StatusPending {
		t.Fatalf("got %+v", tk)
	}
}

func TestEnqueueStage_RejectsMissingRequiredField(t *testing.T) {
	s, _, _ := newTestSurface(t)
	_, err := s.EnqueueStage(context.Background(), EnqueueStageRequest{})
	if err == nil {
		t.Fatal("expected validation error for zero-value request")
	}
}

func TestEnqueueStage_UnknownEpisode(t *testing.T) {
	s, _, _ := newTestSurface(t)
	_, err := s.EnqueueStage(context.Background(), EnqueueStageRequest{EpisodeID: uuid.New(), Stage: task.StageDownload})
	if err == nil {
		t.Fatal("expected unknown_episode error")
	}
}

func TestRunPipeline_PicksStartingStageFromEpisodeState(t *testing.T) {
	s, repo, episodeID := newTestSurface(t)
	repo.Put(episodeID, "downloaded")

	tk, err := s.RunPipeline(context.Background(), RunPipelineRequest{EpisodeID: episodeID})
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if tk.Stage != task.StageDownsample {
		t.Fatalf("expected to start at downsample from state=downloaded, got %s", tk.Stage)
	}
	if !tk.RunFullPipeline() {
		t.Fatal("expected run_full_pipeline=true")
	}
	if tk.TargetState() != task.StageSummarize {
		t.Fatalf("expected default target_state=summarize, got %s", tk.TargetState())
	}
}

func TestCancelPipeline_ReturnsCancelledCount(t *testing.T) {
	s, _, episodeID := newTestSurface(t)
	if _, err := s.EnqueueStage(context.Background(), EnqueueStageRequest{EpisodeID: episodeID, Stage: task.StageDownload}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := s.CancelPipeline(context.Background(), episodeID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}
}

func TestSubscribeProgress_DelegatesToBus(t *testing.T) {
	s, _, _ := newTestSurface(t)
	taskID := uuid.New()
	ch, cancel := s.SubscribeProgress(taskID)
	defer cancel()

	s.Bus.Publish(taskID.String(), task.ProgressEvent{Stage: "download", ProgressPct: 10})
	select {
	case ev := <-ch:
		if ev.ProgressPct != 10 {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}
}
