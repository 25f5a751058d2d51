package episode

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"orchestrator/internal/queue/memstore"
	"orchestrator/internal/task"
)

func TestFailureRecorder_RecordAndLookup(t *testing.T) {
	store := memstore.New()
	r := &FailureRecorder{Store: store}
	episodeID := uuid.New()

	if err := r.Record(context.Background(), episodeID, task.StageTranscribe, "upstream 503", task.ErrorTypeTransient); err != nil {
		t.Fatalf("record: %v", err)
	}

	f, err := store.EpisodeFailure(context.Background(), episodeID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !f.Failed() || *f.FailedAtStage != task.StageTranscribe || *f.FailureReason != "upstream 503" || *f.FailureType != task.ErrorTypeTransient {
		t.Fatalf("got %+v", f)
	}
}

func TestFailureRecorder_TruncatesLongReason(t *testing.T) {
	store := memstore.New()
	r := &FailureRecorder{Store: store}
	episodeID := uuid.New()

	longReason := strings.Repeat("x", maxReasonBytes+500)
	if err := r.Record(context.Background(), episodeID, task.StageClean, longReason, task.ErrorTypeFatal); err != nil {
		t.Fatalf("record: %v", err)
	}

	f, err := store.EpisodeFailure(context.Background(), episodeID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len([]rune(*f.FailureReason)) != maxReasonBytes+1 {
		t.Fatalf("expected truncated reason of length %d, got %d", maxReasonBytes+1, len([]rune(*f.FailureReason)))
	}
	if !strings.HasSuffix(*f.FailureReason, "…") {
		t.Fatalf("expected truncated reason to end with an ellipsis, got %q", *f.FailureReason)
	}
}

func TestFailureRecorder_ClearIfMatching_OnlyClearsSameStage(t *testing.T) {
	store := memstore.New()
	r := &FailureRecorder{Store: store}
	episodeID := uuid.New()

	if err := r.Record(context.Background(), episodeID, task.StageTranscribe, "boom", task.ErrorTypeTransient); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A completion of a different stage must not clear the transcribe failure.
	if err := r.ClearIfMatching(context.Background(), episodeID, task.StageClean); err != nil {
		t.Fatalf("clear (mismatched stage): %v", err)
	}
	f, _ := store.EpisodeFailure(context.Background(), episodeID)
	if !f.Failed() {
		t.Fatal("expected the failure record to survive a completion of an unrelated stage")
	}

	if err := r.ClearIfMatching(context.Background(), episodeID, task.StageTranscribe); err != nil {
		t.Fatalf("clear (matching stage): %v", err)
	}
	f, _ = store.EpisodeFailure(context.Background(), episodeID)
	if f.Failed() {
		t.Fatal("expected the failure record to be cleared after the matching stage completes")
	}
}

func TestFailureRecorder_ClearIfMatching_NoOpWhenNoFailureRecorded(t *testing.T) {
	store := memstore.New()
	r := &FailureRecorder{Store: store}
	episodeID := uuid.New()

	if err := r.ClearIfMatching(context.Background(), episodeID, task.StageDownload); err != nil {
		t.Fatalf("clear on a clean episode: %v", err)
	}
}
