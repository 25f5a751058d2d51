package episode

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemRepository is a mutex-guarded in-memory Repository, the reference
// implementation used by cmd/orchestratord when no external episode store is
// configured. Persisting real podcast/episode metadata is out of scope for
// this core; this exists so the rest of the system has a concrete
// collaborator to run against.
type MemRepository struct {
	mu       sync.Mutex
	episodes map[uuid.UUID]*Episode
}

// NewMemRepository builds an empty repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{episodes: make(map[uuid.UUID]*Episode)}
}

// Put registers or overwrites episodeID's state, returning the stored
// episode. Intended for seeding episodes discovered by an external crawler.
func (r *MemRepository) Put(episodeID uuid.UUID, state string) *Episode {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := &Episode{ID: episodeID, State: state}
	r.episodes[episodeID] = ep
	return ep
}

// Get implements Repository.
func (r *MemRepository) Get(ctx context.Context, id uuid.UUID) (*Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.episodes[id]
	if !ok {
		return nil, fmt.Errorf("episode %s not found", id)
	}
	cp := *ep
	return &cp, nil
}

// SetState advances episodeID to state; called by a stage handler on
// successful completion of the artifact that state represents.
func (r *MemRepository) SetState(ctx context.Context, id uuid.UUID, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.episodes[id]
	if !ok {
		return fmt.Errorf("episode %s not found", id)
	}
	ep.State = state
	return nil
}
