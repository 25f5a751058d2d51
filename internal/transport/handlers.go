package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"orchestrator/internal/apperr"
	"orchestrator/internal/command"
	"orchestrator/internal/task"
)

func (s *Server) handleEnqueueStage(w http.ResponseWriter, r *http.Request) {
	episodeID, err := parseUUIDParam(r, "episodeID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_episode_id", Message: err.Error()})
		return
	}
	stage := task.Stage(chi.URLParam(r, "stage"))

	t, err := s.commands.EnqueueStage(r.Context(), command.EnqueueStageRequest{EpisodeID: episodeID, Stage: stage})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	episodeID, err := parseUUIDParam(r, "episodeID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_episode_id", Message: err.Error()})
		return
	}

	var body struct {
		TargetState string `json:"target_state"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, &apperr.ValidationError{Code: "invalid_body", Message: err.Error()})
			return
		}
	}

	t, err := s.commands.RunPipeline(r.Context(), command.RunPipelineRequest{
		EpisodeID:   episodeID,
		TargetState: task.Stage(body.TargetState),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleCancelPipeline(w http.ResponseWriter, r *http.Request) {
	episodeID, err := parseUUIDParam(r, "episodeID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_episode_id", Message: err.Error()})
		return
	}
	n, err := s.commands.CancelPipeline(r.Context(), episodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleEpisodeFailure(w http.ResponseWriter, r *http.Request) {
	episodeID, err := parseUUIDParam(r, "episodeID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_episode_id", Message: err.Error()})
		return
	}
	f, err := s.commands.EpisodeFailureLookup(r.Context(), episodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleRetryEpisode(w http.ResponseWriter, r *http.Request) {
	episodeID, err := parseUUIDParam(r, "episodeID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_episode_id", Message: err.Error()})
		return
	}
	t, err := s.commands.RetryEpisode(r.Context(), episodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseUUIDParam(r, "taskID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_task_id", Message: err.Error()})
		return
	}
	t, err := s.commands.TaskStatus(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleBump(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseUUIDParam(r, "taskID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_task_id", Message: err.Error()})
		return
	}
	ok, err := s.commands.Bump(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &apperr.ValidationError{Code: "not_pending", Message: "task is not pending"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentProgress(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseUUIDParam(r, "taskID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_task_id", Message: err.Error()})
		return
	}
	ev, ok := s.commands.CurrentProgress(taskID)
	if !ok {
		writeError(w, &apperr.ValidationError{Code: "no_progress", Message: "no progress recorded for this task"})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleStreamProgress streams ProgressEvents as server-sent events until the
// task reaches a terminal state or the client disconnects.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseUUIDParam(r, "taskID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_task_id", Message: err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	ch, cancel := s.commands.SubscribeProgress(taskID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if current, ok := s.commands.CurrentProgress(taskID); ok {
		writeSSE(w, current)
		flusher.Flush()
		if current.Terminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev task.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.commands.DLQList(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleRetryAllDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := s.commands.RetryAllDLQ(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) handleRetryDLQOne(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseUUIDParam(r, "taskID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_task_id", Message: err.Error()})
		return
	}
	if err := s.commands.RetryDLQ(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSkipDLQOne(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseUUIDParam(r, "taskID")
	if err != nil {
		writeError(w, &apperr.ValidationError{Code: "invalid_task_id", Message: err.Error()})
		return
	}
	if err := s.commands.SkipDLQ(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.commands.QueueSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
