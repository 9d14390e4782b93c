package reputation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory reputation store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory reputation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		now:      time.Now,
	}
}

// Get returns the user's profile, or a fresh default profile if the user
// has no history.
func (m *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return NewProfile(userID), nil
	}
	cp := *p
	cp.Tier = tierFor(&cp)
	return &cp, nil
}

func (m *MemoryStore) RecordCompletedTransaction(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.profileLocked(userID)
	p.TotalTransactions++
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ApplyRating(_ context.Context, userID string, score int) error {
	if err := validRating(score); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.profileLocked(userID)
	p.Score = NextScore(p.Score, p.TotalRatings, score)
	p.TotalRatings++
	p.UpdatedAt = m.now()
	return nil
}

// profileLocked returns the stored profile, creating it if absent.
// Caller must hold m.mu.
func (m *MemoryStore) profileLocked(userID string) *Profile {
	p, ok := m.profiles[userID]
	if !ok {
		p = NewProfile(userID)
		m.profiles[userID] = p
	}
	return p
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
