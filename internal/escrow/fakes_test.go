package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fakeListings is an in-memory ListingCatalog that records status changes.
type fakeListings struct {
	mu       sync.Mutex
	listings map[string]*Listing
	statuses []ListingStatus
	getErr   error
	setErr   error
	calls    int
}

func newFakeListings(ls ...*Listing) *fakeListings {
	f := &fakeListings{listings: make(map[string]*Listing)}
	for _, l := range ls {
		f.listings[l.ID] = l
	}
	return f
}

func (f *fakeListings) GetListing(_ context.Context, id string) (*Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	l, ok := f.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeListings) SetStatus(_ context.Context, id string, status ListingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.setErr != nil {
		return f.setErr
	}
	if l, ok := f.listings[id]; ok {
		l.Status = status
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeListings) add(l *Listing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[l.ID] = l
}

func (f *fakeListings) status(id string) ListingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings[id].Status
}

func (f *fakeListings) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRail counts every call and can be told to refuse or fail.
type fakeRail struct {
	mu         sync.Mutex
	confirm    bool
	confirmErr error
	releaseErr error
	refundErr  error
	confirms   int
	releases   int
	refunds    int
	delay      time.Duration
}

func newFakeRail() *fakeRail { return &fakeRail{confirm: true} }

func (f *fakeRail) ConfirmLock(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	return f.confirm, f.confirmErr
}

func (f *fakeRail) InitiateRelease(_ context.Context, e *Escrow) (string, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	return "rel_" + e.ID, nil
}

func (f *fakeRail) InitiateRefund(_ context.Context, e *Escrow) (string, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	if f.refundErr != nil {
		return "", f.refundErr
	}
	return "ref_" + e.ID, nil
}

func (f *fakeRail) counts() (confirms, releases, refunds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirms, f.releases, f.refunds
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) to(userID string, typ NotificationType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.RecipientID == userID && s.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeCache stores JSON like the real cache and records invalidations.
type fakeCache struct {
	mu          sync.Mutex
	data        map[string][]byte
	invalidated []string
	err         error
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (f *fakeCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	b, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (f *fakeCache) Set(_ context.Context, key string, v interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.data[key] = b
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, keys...)
	if f.err != nil {
		return f.err
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeCache) wasInvalidated(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.invalidated {
		if k == key {
			return true
		}
	}
	return false
}

type fakeReputation struct {
	mu           sync.Mutex
	transactions map[string]int
	ratings      map[string][]int
	err          error
}

func newFakeReputation() *fakeReputation {
	return &fakeReputation{transactions: map[string]int{}, ratings: map[string][]int{}}
}

func (f *fakeReputation) RecordCompletedTransaction(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.transactions[userID]++
	return nil
}

func (f *fakeReputation) ApplyRating(_ context.Context, userID string, score int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ratings[userID] = append(f.ratings[userID], score)
	return nil
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	listings *fakeListings
	rail     *fakeRail
	notifier *fakeNotifier
	cache    *fakeCache
	rep      *fakeReputation
	clock    *clock
}

func saleListing() *Listing {
	return &Listing{
		ID:       "lst_sale",
		SellerID: "seller",
		Title:    "Graphing calculator",
		Type:     ListingSell,
		Price:    decimal.RequireFromString("10"),
		Status:   ListingActive,
	}
}

func rentListing() *Listing {
	return &Listing{
		ID:        "lst_rent",
		SellerID:  "seller",
		Title:     "Camera",
		Type:      ListingRent,
		Price:     decimal.RequireFromString("2.5"),
		PriceUnit: PricePerDay,
		Status:    ListingActive,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		listings: newFakeListings(saleListing(), rentListing()),
		rail:     newFakeRail(),
		notifier: &fakeNotifier{},
		cache:    newFakeCache(),
		rep:      newFakeReputation(),
		clock:    &clock{now: t0},
	}
	h.svc = NewService(h.store, h.listings, h.rail).
		WithNotifier(h.notifier).
		WithCache(h.cache).
		WithReputation(h.rep).
		WithAdmins(NewStaticAdmins("admin")).
		WithClock(h.clock.Now)
	return h
}

// locked creates a sale escrow and locks it.
func (h *harness) locked(t *testing.T) *Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := h.svc.Create(ctx, CreateRequest{ListingID: "lst_sale", BuyerID: "buyer"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e, err = h.svc.Lock(ctx, e.ID, "buyer", "lock_"+e.ID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	return e
}

func (h *harness) disputed(t *testing.T) *Escrow {
	t.Helper()
	ctx := context.Background()
	e := h.locked(t)
	if _, err := h.svc.Ship(ctx, e.ID, "seller"); err != nil {
		t.Fatalf("Ship: %v", err)
	}
	e, err := h.svc.RaiseDispute(ctx, e.ID, "buyer", "arrived broken")
	if err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	return e
}

var errBoom = errors.New("boom")
