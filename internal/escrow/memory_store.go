package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tradeescrow/internal/pagination"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

// Create inserts a new escrow. A listing holds at most one active escrow:
// the same buyer gets ErrDuplicateActive, anyone else ErrListingUnavailable.
func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escrows {
		if e.ListingID != escrow.ListingID || !e.State.IsActive() {
			continue
		}
		if e.BuyerID == escrow.BuyerID {
			return ErrDuplicateActive
		}
		return ErrListingUnavailable
	}
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return escrow.Clone(), nil
}

func (m *MemoryStore) FindActive(ctx context.Context, listingID, buyerID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.ListingID == listingID && e.BuyerID == buyerID && e.State.IsActive() {
			return e.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// CompareAndSwap replaces the record only if its stored state is still
// expected. Payment-rail references already written are preserved.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, expected State, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expected {
		return ErrConcurrentModification
	}
	next := escrow.Clone()
	keepRef(&next.LockTxRef, cur.LockTxRef)
	keepRef(&next.ReleaseTxRef, cur.ReleaseTxRef)
	keepRef(&next.RefundTxRef, cur.RefundTxRef)
	m.escrows[escrow.ID] = next
	return nil
}

func keepRef(dst *string, stored string) {
	if stored != "" {
		*dst = stored
	}
}

// SetTxRef writes a payment-rail reference once. A second write of a
// different value is ignored.
func (m *MemoryStore) SetTxRef(ctx context.Context, id string, kind TxRefKind, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	var field *string
	switch kind {
	case TxRefLock:
		field = &e.LockTxRef
	case TxRefRelease:
		field = &e.ReleaseTxRef
	case TxRefRefund:
		field = &e.RefundTxRef
	default:
		return ErrValidation
	}
	if *field == "" {
		*field = ref
	}
	return nil
}

func (m *MemoryStore) SetRating(ctx context.Context, id string, role PartyRole, rating Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if !e.State.Rateable() {
		return ErrInvalidTransition
	}
	r := rating
	switch role {
	case RoleBuyer:
		if e.BuyerRating != nil {
			return ErrAlreadyRated
		}
		e.BuyerRating = &r
	case RoleSeller:
		if e.SellerRating != nil {
			return ErrAlreadyRated
		}
		e.SellerRating = &r
	default:
		return ErrValidation
	}
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State.Sweepable() && e.AutoRefundEligible && now.After(e.ExpiresAt) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, q PartyQuery) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		party := e.BuyerID
		if q.Role == RoleSeller {
			party = e.SellerID
		}
		if party != q.UserID {
			continue
		}
		if q.State != "" && e.State != q.State {
			continue
		}
		if !q.After.After(e.CreatedAt, e.ID) {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// ListDisputed returns escrows awaiting arbitration, most recently disputed
// first. The cursor position is (DisputeRaisedAt, ID).
func (m *MemoryStore) ListDisputed(ctx context.Context, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State != StateDisputed || !after.After(e.disputedAt(), e.ID) {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := result[i].disputedAt(), result[j].disputedAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Unsettled() && e.UpdatedAt.Before(updatedBefore) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Stats(ctx context.Context) ([]StateStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byState := make(map[State]*StateStat)
	for _, e := range m.escrows {
		st, ok := byState[e.State]
		if !ok {
			st = &StateStat{State: e.State, Volume: decimal.Zero}
			byState[e.State] = st
		}
		st.Count++
		st.Volume = st.Volume.Add(e.Amount)
	}

	var result []StateStat
	for _, s := range AllStates {
		if st, ok := byState[s]; ok {
			result = append(result, *st)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
