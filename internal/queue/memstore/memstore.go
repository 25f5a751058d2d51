// Package memstore implements queue.Store entirely in process memory,
// guarded by a single mutex with Clone()-on-read/write semantics so callers
// never observe a live reference into the store's internal state.
//
// It honors every Store invariant including the orphan-recovery rule against
// a caller-supplied clock, which makes it the natural backend for tests; it
// is also a valid (if non-durable) backend for a single-process deployment
// that accepts losing the queue across restarts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/queue"
	"orchestrator/internal/task"
)

// Store is an in-memory queue.Store.
type Store struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*task.Task
	failures  map[uuid.UUID]task.EpisodeFailure
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]*task.Task),
		failures: make(map[uuid.UUID]task.EpisodeFailure),
	}
}

func (s *Store) activeExists(episodeID uuid.UUID, stage task.Stage) bool {
	for _, t := range s.tasks {
		if t.EpisodeID == episodeID && t.Stage == stage {
			switch t.Status {
			case task.StatusPending, task.StatusProcessing, task.StatusRetryScheduled:
				return true
			}
		}
	}
	return false
}

func (s *Store) Insert(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeExists(t.EpisodeID, t.Stage) {
		return queue.ErrDuplicate
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*task.Task
	for _, t := range s.tasks {
		switch {
		case t.Status == task.StatusPending:
			candidates = append(candidates, t)
		case t.Status == task.StatusRetryScheduled && t.NextRetryAt != nil && !t.NextRetryAt.After(now):
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	winner := candidates[0]
	winner.Status = task.StatusProcessing
	if winner.StartedAt == nil {
		startedAt := now
		winner.StartedAt = &startedAt
	}
	winner.UpdatedAt = now
	s.tasks[winner.ID] = winner
	return winner.Clone(), nil
}

func (s *Store) Update(ctx context.Context, t *task.Task, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return queue.ErrNotFound
	}
	if !cur.UpdatedAt.Equal(expectedUpdatedAt) {
		return queue.ErrStaleUpdate
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) ByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.EpisodeID == episodeID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) CountsByStatus(ctx context.Context) (queue.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(queue.StatusCounts)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *Store) SetEpisodeFailure(ctx context.Context, episodeID uuid.UUID, f task.EpisodeFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[episodeID] = f
	return nil
}

func (s *Store) ClearEpisodeFailure(ctx context.Context, episodeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, episodeID)
	return nil
}

func (s *Store) EpisodeFailure(ctx context.Context, episodeID uuid.UUID) (task.EpisodeFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[episodeID], nil
}

func (s *Store) ReclaimOrphans(ctx context.Context, now time.Time, staleness time.Duration) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reclaimed []uuid.UUID
	cutoff := now.Add(-staleness)
	for _, t := range s.tasks {
		if t.Status != task.StatusProcessing {
			continue
		}
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		nextRetryAt := now
		t.Status = task.StatusRetryScheduled
		t.NextRetryAt = &nextRetryAt
		t.UpdatedAt = now
		reclaimed = append(reclaimed, t.ID)
	}
	return reclaimed, nil
}

// Transaction runs fn against s directly: memstore's single mutex already
// serializes every operation, so nested calls just reuse the same lock at
// the granularity of individual method calls. fn must not assume isolation
// from concurrent ClaimNext calls interleaved between its own Store calls;
// callers (retry-from-DLQ, cancel-pipeline) only ever touch rows they just
// read within fn, which is race-free in practice for this backend.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx queue.Store) error) error {
	return fn(ctx, s)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return queue.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}
