package budget

import (
	"context"
	"sync"
)

// UpdateFunc mutates a tracker in place. Returning an error aborts the update and
// nothing is persisted.
type UpdateFunc func(t *Tracker) error

// Store persists trackers keyed by agent id.
type Store interface {
	// Get returns a copy of the agent's tracker, or nil when none exists.
	Get(ctx context.Context, agentID string) (*Tracker, error)

	// Update runs fn with exclusive ownership of the agent's tracker and persists the
	// result atomically. A missing tracker is passed to fn as a fresh record for which
	// IsNew reports true. The persisted tracker is returned. Stores that retry on
	// contention may call fn more than once; fn must derive its effects from the
	// tracker it is given.
	Update(ctx context.Context, agentID string, fn UpdateFunc) (*Tracker, error)
}

// MemoryStore implements Store in memory with one lock per agent id.
// Updates to distinct agents never contend.
type MemoryStore struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	locks    map[string]*sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trackers: make(map[string]*Tracker),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

func (s *MemoryStore) Get(ctx context.Context, agentID string) (*Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[agentID]
	if !ok {
		return nil, nil
	}
	// return copy to avoid race on mutation outside lock
	return t.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, agentID string, fn UpdateFunc) (*Tracker, error) {
	l := s.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	current, ok := s.trackers[agentID]
	s.mu.Unlock()

	var working *Tracker
	if ok {
		working = current.Clone()
	} else {
		working = &Tracker{AgentID: agentID}
	}

	if err := fn(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.trackers[agentID] = working.Clone()
	s.mu.Unlock()
	return working, nil
}
