package listing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[l.ID]; ok {
		return ErrDuplicate
	}
	cp := *l
	if cp.Status == "" {
		cp.Status = escrow.ListingActive
	}
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, escrow.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id string) (*escrow.Listing, error) {
	l, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Terms(), nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status escrow.ListingStatus) error {
	if !validStatus(status) {
		return fmt.Errorf("%w: unknown listing status %q", escrow.ErrValidation, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return escrow.ErrListingNotFound
	}
	l.Status = status
	l.UpdatedAt = m.now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
