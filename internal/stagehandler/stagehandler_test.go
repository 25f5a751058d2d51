package stagehandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/apperr"
	"orchestrator/internal/episode"
	"orchestrator/internal/handler"
	"orchestrator/internal/task"
)

type recordingEmitter struct {
	events []task.ProgressEvent
}

func (e *recordingEmitter) Emit(ev task.ProgressEvent) { e.events = append(e.events, ev) }

func TestStageHandler_IdempotentWhenArtifactAlreadyExists(t *testing.T) {
	repo := episode.NewMemRepository()
	h := New(task.StageDownload, repo)
	emit := &recordingEmitter{}

	err := h.Handle(context.Background(), task.Task{}, handler.Episode{ID: uuid.New().String(), State: "downloaded"}, emit)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(emit.events) != 1 || emit.events[0].ProgressPct != 100 {
		t.Fatalf("expected a single terminal 100%% event, got %+v", emit.events)
	}
}

func TestStageHandler_RejectsWrongPrecondition(t *testing.T) {
	repo := episode.NewMemRepository()
	h := New(task.StageTranscribe, repo)

	err := h.Handle(context.Background(), task.Task{}, handler.Episode{ID: uuid.New().String(), State: "discovered"}, &recordingEmitter{})
	var fe *apperr.FatalError
	if !errors.As(err, &fe) || fe.Code != "precondition_failed" {
		t.Fatalf("expected precondition_failed FatalError, got %v", err)
	}
}

func TestStageHandler_AdvancesStateAndEmitsMonotonicProgress(t *testing.T) {
	repo := episode.NewMemRepository()
	episodeID := uuid.New()
	repo.Put(episodeID, "discovered")
	h := New(task.StageDownload, repo)
	emit := &recordingEmitter{}

	err := h.Handle(context.Background(), task.Task{}, handler.Episode{ID: episodeID.String(), State: "discovered"}, emit)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	wantPcts := []int{0, 50, 100}
	if len(emit.events) != len(wantPcts) {
		t.Fatalf("expected %d progress events, got %d: %+v", len(wantPcts), len(emit.events), emit.events)
	}
	for i, ev := range emit.events {
		if ev.ProgressPct != wantPcts[i] {
			t.Fatalf("event %d: got %d, want %d", i, ev.ProgressPct, wantPcts[i])
		}
	}

	ep, err := repo.Get(context.Background(), episodeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ep.State != "downloaded" {
		t.Fatalf("expected episode advanced to downloaded, got %s", ep.State)
	}
}

func TestStageHandler_CancellationDuringWorkReturnsCancellationError(t *testing.T) {
	repo := episode.NewMemRepository()
	episodeID := uuid.New()
	repo.Put(episodeID, "discovered")
	h := New(task.StageDownload, repo)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	err := h.Handle(ctx, task.Task{}, handler.Episode{ID: episodeID.String(), State: "discovered"}, &recordingEmitter{})
	var ce *apperr.CancellationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a CancellationError, got %v", err)
	}
}
