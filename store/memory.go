package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory BlueprintStore. It is safe for concurrent use
// and is the default when no persistence directory is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	blueprints map[string]*Blueprint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blueprints: make(map[string]*Blueprint),
	}
}

// Save creates or replaces a blueprint.
func (s *MemoryStore) Save(_ context.Context, bp *Blueprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.blueprints[bp.ID]; ok {
		bp.CreatedAt = existing.CreatedAt
	} else if bp.CreatedAt.IsZero() {
		bp.CreatedAt = now
	}
	bp.UpdatedAt = now

	s.blueprints[bp.ID] = bp
	return nil
}

// Get retrieves one blueprint owned by the user.
func (s *MemoryStore) Get(_ context.Context, blueprintID, userID string) (*Blueprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bp, ok := s.blueprints[blueprintID]
	if !ok || bp.UserID != userID {
		return nil, ErrNotFound
	}
	return bp, nil
}

// List returns the user's blueprints, newest first.
func (s *MemoryStore) List(_ context.Context, userID string) ([]*Blueprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Blueprint
	for _, bp := range s.blueprints {
		if bp.UserID == userID {
			out = append(out, bp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes one blueprint owned by the user.
func (s *MemoryStore) Delete(_ context.Context, blueprintID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bp, ok := s.blueprints[blueprintID]
	if !ok || bp.UserID != userID {
		return ErrNotFound
	}
	delete(s.blueprints, blueprintID)
	return nil
}
