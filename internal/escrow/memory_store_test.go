package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/tradeescrow/internal/pagination"
)

func TestMemoryStore_CreateRejectsSecondBuyerOnHeldListing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, record(StateLocked)); err != nil {
		t.Fatal(err)
	}
	other := record(StatePending)
	other.ID, other.BuyerID = "esc_2", "buyer2"
	if err := s.Create(ctx, other); !errors.Is(err, ErrListingUnavailable) {
		t.Fatalf("expected ErrListingUnavailable, got %v", err)
	}
}

func TestMemoryStore_CreateRejectsSecondActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := record(StatePending)
	if err := s.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	dup := record(StatePending)
	dup.ID = "esc_2"
	if err := s.Create(ctx, dup); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}

	// A terminal escrow does not block a new one.
	done := record(StateCancelled)
	done.ID, done.ListingID = "esc_3", "lst_2"
	if err := s.Create(ctx, done); err != nil {
		t.Fatal(err)
	}
	again := record(StatePending)
	again.ID, again.ListingID = "esc_4", "lst_2"
	if err := s.Create(ctx, again); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, record(StatePending)); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "esc_1")
	got.State = StateDelivered
	got.StateHistory[0].Note = "tampered"

	again, _ := s.Get(ctx, "esc_1")
	if again.State != StatePending || again.StateHistory[0].Note == "tampered" {
		t.Error("store shares memory with callers")
	}
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, record(StateLocked)); err != nil {
		t.Fatal(err)
	}

	next := record(StateDelivered)
	if err := s.CompareAndSwap(ctx, StatePending, next); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("wrong expected state: got %v", err)
	}
	if err := s.CompareAndSwap(ctx, StateLocked, next); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if err := s.CompareAndSwap(ctx, StateLocked, next); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("replayed swap: got %v", err)
	}

	missing := record(StateLocked)
	missing.ID = "esc_missing"
	if err := s.CompareAndSwap(ctx, StateLocked, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing record: got %v", err)
	}
}

func TestMemoryStore_CompareAndSwapKeepsStoredRefs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, record(StateLocked)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTxRef(ctx, "esc_1", TxRefRefund, "ref_1"); err != nil {
		t.Fatal(err)
	}

	stale := record(StateCancelled)
	if err := s.CompareAndSwap(ctx, StateLocked, stale); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "esc_1")
	if got.RefundTxRef != "ref_1" {
		t.Errorf("refundTxRef = %q, stored reference was overwritten", got.RefundTxRef)
	}
}

func TestMemoryStore_SetTxRefWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, record(StateDelivered)); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTxRef(ctx, "esc_1", TxRefRelease, "rel_a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTxRef(ctx, "esc_1", TxRefRelease, "rel_b"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "esc_1")
	if got.ReleaseTxRef != "rel_a" {
		t.Errorf("releaseTxRef = %q, want rel_a", got.ReleaseTxRef)
	}

	if err := s.SetTxRef(ctx, "esc_nope", TxRefRelease, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
	if err := s.SetTxRef(ctx, "esc_1", TxRefKind("bogus"), "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("bogus kind: got %v", err)
	}
}

func TestMemoryStore_SetRating(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, record(StateLocked)); err != nil {
		t.Fatal(err)
	}
	r := Rating{Score: 5, RatedAt: t0}

	if err := s.SetRating(ctx, "esc_1", RoleBuyer, r); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rating a locked escrow: got %v", err)
	}

	if err := s.CompareAndSwap(ctx, StateLocked, record(StateResolved)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRating(ctx, "esc_1", RoleBuyer, r); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRating(ctx, "esc_1", RoleBuyer, r); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("second buyer rating: got %v", err)
	}
	if err := s.SetRating(ctx, "esc_1", RoleSeller, r); err != nil {
		t.Fatalf("seller rating: %v", err)
	}
}

func TestMemoryStore_ListExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := t0.Add(time.Hour)

	add := func(id string, state State, expires time.Time, eligible bool) {
		e := record(state)
		e.ID, e.ListingID = id, "lst_"+id
		e.ExpiresAt = expires
		e.AutoRefundEligible = eligible
		if err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	add("late", StateInTransit, t0.Add(30*time.Minute), true)
	add("early", StateLocked, t0, true)
	add("future", StateLocked, now.Add(time.Minute), true)
	add("exact", StateLocked, now, true)
	add("disputed", StateDisputed, t0, true)
	add("ineligible", StateLocked, t0, false)

	got, err := s.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "early" || got[1].ID != "late" {
		ids := make([]string, len(got))
		for i, e := range got {
			ids[i] = e.ID
		}
		t.Errorf("expired = %v, want [early late]", ids)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, st := range []State{StateDelivered, StateDelivered, StatePending} {
		e := record(st)
		e.ID = string(rune('a' + i))
		e.ListingID = e.ID
		if err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d states", len(stats))
	}
	if stats[0].State != StatePending || stats[1].State != StateDelivered {
		t.Errorf("order = %s, %s", stats[0].State, stats[1].State)
	}
	if stats[1].Count != 2 || !stats[1].Volume.Equal(d("20")) {
		t.Errorf("delivered = %d / %s", stats[1].Count, stats[1].Volume)
	}
}

func TestMemoryStore_ListByPartyKeyset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// b and c share a timestamp; ties break on ID, descending.
	for _, fx := range []struct {
		id string
		at time.Time
	}{
		{"a", t0},
		{"b", t0.Add(time.Minute)},
		{"c", t0.Add(time.Minute)},
		{"d", t0.Add(2 * time.Minute)},
	} {
		e := record(StatePending)
		e.ID, e.ListingID, e.CreatedAt = fx.id, "lst_"+fx.id, fx.at
		if err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ListByParty(ctx, PartyQuery{UserID: "buyer", Role: RoleBuyer, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ID != "d" || first[1].ID != "c" {
		t.Fatalf("first page = %v", ids(first))
	}

	last := first[1]
	rest, err := s.ListByParty(ctx, PartyQuery{
		UserID: "buyer",
		Role:   RoleBuyer,
		After:  &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
		Limit:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].ID != "b" || rest[1].ID != "a" {
		t.Errorf("second page = %v", ids(rest))
	}

	none, _ := s.ListByParty(ctx, PartyQuery{UserID: "buyer", Role: RoleSeller, Limit: 10})
	if len(none) != 0 {
		t.Errorf("buyer listed as seller: %v", ids(none))
	}
}

func TestMemoryStore_ListDisputed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, fx := range []struct {
		id       string
		state    State
		disputed time.Time
	}{
		{"old", StateDisputed, t0},
		{"tie_a", StateDisputed, t0.Add(time.Hour)},
		{"tie_b", StateDisputed, t0.Add(time.Hour)},
		{"new", StateDisputed, t0.Add(2 * time.Hour)},
		{"settled", StateResolved, t0.Add(3 * time.Hour)},
	} {
		e := record(fx.state)
		at := fx.disputed
		e.ID, e.ListingID, e.DisputeRaisedAt = fx.id, "lst_"+fx.id, &at
		if err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ListDisputed(ctx, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ID != "new" || first[1].ID != "tie_b" {
		t.Fatalf("first page = %v", ids(first))
	}

	last := first[1]
	rest, err := s.ListDisputed(ctx, &pagination.Cursor{CreatedAt: *last.DisputeRaisedAt, ID: last.ID}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].ID != "tie_a" || rest[1].ID != "old" {
		t.Errorf("second page = %v", ids(rest))
	}
}

func TestMemoryStore_ListUnsettled(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cutoff := t0.Add(time.Hour)

	add := func(id string, state State, lock, release, refund string, updated time.Time) {
		e := record(state)
		e.ID, e.ListingID = id, "lst_"+id
		e.LockTxRef, e.ReleaseTxRef, e.RefundTxRef = lock, release, refund
		e.UpdatedAt = updated
		if err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	add("delivered_no_release", StateDelivered, "lock_1", "", "", t0.Add(10*time.Minute))
	add("refund_missing", StateTimeoutRefund, "lock_2", "", "", t0)
	add("settled", StateDelivered, "lock_3", "rel_3", "", t0)
	add("refunded", StateCancelled, "lock_4", "", "ref_4", t0)
	add("never_locked", StateCancelled, "", "", "", t0)
	add("still_locked", StateLocked, "lock_5", "", "", t0)
	add("too_recent", StateResolved, "lock_6", "", "", cutoff)

	got, err := s.ListUnsettled(ctx, cutoff, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "refund_missing" || got[1].ID != "delivered_no_release" {
		t.Errorf("unsettled = %v, want [refund_missing delivered_no_release]", ids(got))
	}
}

func ids(es []*Escrow) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
