// Package escrow holds funds for a peer-to-peer trade or rental until
// delivery is confirmed or a dispute is arbitrated.
//
// Flow:
//  1. Buyer creates an escrow for a listing → PENDING, listing reserved
//  2. Buyer locks funds on the payment rail → LOCKED
//  3. Seller ships → IN_TRANSIT (optional)
//  4. Buyer confirms delivery → DELIVERED, funds released to seller
//  5. Either party disputes → DISPUTED, admin resolves → RESOLVED
//  6. Either party cancels before shipping → CANCELLED, refund if locked
//  7. Expiry passes with no human resolution → TIMEOUT_REFUND
//
// Every transition is a compare-and-swap on the record's state, so at most
// one concurrent attempt wins and issues the payment-rail call.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradeescrow/internal/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("escrow not found")
	ErrUnauthorized           = errors.New("not authorized for this escrow operation")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrValidation             = errors.New("validation error")
	ErrDuplicateActive        = errors.New("an active escrow already exists for this listing and buyer")
	ErrAlreadyRated           = errors.New("already rated")
	ErrConcurrentModification = errors.New("escrow modified concurrently")
	ErrLockNotConfirmed       = errors.New("payment rail could not confirm lock")
	ErrListingNotFound        = errors.New("listing not found")
	ErrListingUnavailable     = errors.New("listing is not available")
)

// State is a node of the escrow state graph.
type State string

const (
	StatePending       State = "PENDING"
	StateLocked        State = "LOCKED"
	StateInTransit     State = "IN_TRANSIT"
	StateDelivered     State = "DELIVERED"
	StateDisputed      State = "DISPUTED"
	StateResolved      State = "RESOLVED"
	StateCancelled     State = "CANCELLED"
	StateTimeoutRefund State = "TIMEOUT_REFUND"
)

// AllStates lists every state in graph order.
var AllStates = []State{
	StatePending, StateLocked, StateInTransit, StateDelivered,
	StateDisputed, StateResolved, StateCancelled, StateTimeoutRefund,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further state transition is legal.
func (s State) IsTerminal() bool {
	switch s {
	case StateDelivered, StateResolved, StateCancelled, StateTimeoutRefund:
		return true
	}
	return false
}

// IsActive reports whether the state counts toward the
// one-active-escrow-per-buyer-per-listing rule.
func (s State) IsActive() bool {
	return s == StatePending || s == StateLocked || s == StateInTransit
}

// Sweepable reports whether the expiry timestamp is meaningful in this state.
func (s State) Sweepable() bool {
	return s == StateLocked || s == StateInTransit
}

// Rateable reports whether ratings may still be written.
func (s State) Rateable() bool {
	return s == StateDelivered || s == StateResolved
}

// RentalPeriod is the window of a rental escrow.
type RentalPeriod struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// HistoryEntry is one audit record of a state change. Entries are never
// mutated once appended.
type HistoryEntry struct {
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changedAt"`
	ChangedBy string    `json:"changedBy,omitempty"` // empty for the sweeper
	Note      string    `json:"note,omitempty"`
}

// Rating is one party's review of the other.
type Rating struct {
	Score   int       `json:"score"`
	Comment string    `json:"comment,omitempty"`
	RatedAt time.Time `json:"ratedAt"`
}

// Escrow is the held-funds record for one trade or rental.
type Escrow struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	Amount         decimal.Decimal `json:"amount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`
	SellerReceives decimal.Decimal `json:"sellerReceives"`
	Deposit        decimal.Decimal `json:"deposit"`

	RentalPeriod *RentalPeriod `json:"rentalPeriod,omitempty"`

	LockTxRef    string `json:"lockTxRef,omitempty"`
	ReleaseTxRef string `json:"releaseTxRef,omitempty"`
	RefundTxRef  string `json:"refundTxRef,omitempty"`

	State        State          `json:"state"`
	StateHistory []HistoryEntry `json:"stateHistory"`

	DisputeRaisedBy   string     `json:"disputeRaisedBy,omitempty"`
	DisputeReason     string     `json:"disputeReason,omitempty"`
	DisputeRaisedAt   *time.Time `json:"disputeRaisedAt,omitempty"`
	DisputeResolvedBy string     `json:"disputeResolvedBy,omitempty"`
	DisputeResolution string     `json:"disputeResolution,omitempty"`

	ExpiresAt          time.Time `json:"expiresAt"`
	AutoRefundEligible bool      `json:"autoRefundEligible"`

	BuyerRating  *Rating `json:"buyerRating,omitempty"`
	SellerRating *Rating `json:"sellerRating,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy. Slices and pointer fields are not shared, so
// appending to the copy's history can never reach the original.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.StateHistory != nil {
		cp.StateHistory = make([]HistoryEntry, len(e.StateHistory))
		copy(cp.StateHistory, e.StateHistory)
	}
	if e.RentalPeriod != nil {
		rp := *e.RentalPeriod
		cp.RentalPeriod = &rp
	}
	if e.DisputeRaisedAt != nil {
		t := *e.DisputeRaisedAt
		cp.DisputeRaisedAt = &t
	}
	if e.BuyerRating != nil {
		r := *e.BuyerRating
		cp.BuyerRating = &r
	}
	if e.SellerRating != nil {
		r := *e.SellerRating
		cp.SellerRating = &r
	}
	return &cp
}

// disputedAt is the dispute-queue sort key; zero when no dispute was raised.
func (e *Escrow) disputedAt() time.Time {
	if e.DisputeRaisedAt == nil {
		return time.Time{}
	}
	return *e.DisputeRaisedAt
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.State.IsTerminal()
}

// IsParty reports whether userID is the buyer or the seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID)
}

// Unsettled reports whether funds were locked and the record reached a final
// state, but no release or refund reference was ever recorded. Such records
// need manual reconciliation with the payment rail.
func (e *Escrow) Unsettled() bool {
	return e.State.IsTerminal() && e.LockTxRef != "" && e.ReleaseTxRef == "" && e.RefundTxRef == ""
}

// PartyRole identifies which side of an escrow a user is on.
type PartyRole string

const (
	RoleBuyer  PartyRole = "buyer"
	RoleSeller PartyRole = "seller"
)

// TxRefKind names one of the write-once payment-rail reference fields.
type TxRefKind string

const (
	TxRefLock    TxRefKind = "lock"
	TxRefRelease TxRefKind = "release"
	TxRefRefund  TxRefKind = "refund"
)

// StateStat aggregates escrows per state for the admin dashboard.
type StateStat struct {
	State  State           `json:"state"`
	Count  int             `json:"count"`
	Volume decimal.Decimal `json:"volume"`
}

// Stats is the cached admin summary.
type Stats struct {
	States      []StateStat     `json:"stateStats"`
	TotalVolume decimal.Decimal `json:"totalVolume"` // DELIVERED + RESOLVED
}

// Store persists escrow records. Every state change goes through
// CompareAndSwap, which accepts the write only while the stored state
// still equals expected.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	FindActive(ctx context.Context, listingID, buyerID string) (*Escrow, error)
	CompareAndSwap(ctx context.Context, expected State, e *Escrow) error
	SetTxRef(ctx context.Context, id string, kind TxRefKind, ref string) error
	SetRating(ctx context.Context, id string, role PartyRole, rating Rating) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	ListByParty(ctx context.Context, q PartyQuery) ([]*Escrow, error)
	ListDisputed(ctx context.Context, after *pagination.Cursor, limit int) ([]*Escrow, error)
	ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Escrow, error)
	Stats(ctx context.Context) ([]StateStat, error)
}

// PartyQuery selects one party's escrows ordered by (CreatedAt, ID)
// descending.
type PartyQuery struct {
	UserID string
	Role   PartyRole
	State  State              // empty matches every state
	After  *pagination.Cursor // nil starts at the newest
	Limit  int
}

// PaymentRail is the external settlement ledger. The engine records its
// references but never moves funds itself.
type PaymentRail interface {
	ConfirmLock(ctx context.Context, reference string) (bool, error)
	InitiateRelease(ctx context.Context, e *Escrow) (string, error)
	InitiateRefund(ctx context.Context, e *Escrow) (string, error)
}

// ListingType distinguishes sales from rentals.
type ListingType string

const (
	ListingSell ListingType = "sell"
	ListingRent ListingType = "rent"
)

// ListingStatus is the availability of a listing in the catalog.
type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingReserved ListingStatus = "reserved"
	ListingSold     ListingStatus = "sold"
	ListingRented   ListingStatus = "rented"
)

// Listing is the subset of a catalog entry the engine prices from.
type Listing struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"sellerId"`
	Title     string          `json:"title"`
	Type      ListingType     `json:"type"`
	Price     decimal.Decimal `json:"price"`
	PriceUnit PriceUnit       `json:"priceUnit"`
	Status    ListingStatus   `json:"status"`
}

// ListingCatalog reads listings and updates their availability.
type ListingCatalog interface {
	GetListing(ctx context.Context, id string) (*Listing, error)
	SetStatus(ctx context.Context, id string, status ListingStatus) error
}

// Notifier delivers user notifications. Fire-and-forget: errors are logged
// by the caller and never roll back a transition.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Cache is a best-effort cache. It is never the source of truth for
// escrow state.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Reputation tracks per-user trade counters and rating scores.
type Reputation interface {
	RecordCompletedTransaction(ctx context.Context, userID string) error
	ApplyRating(ctx context.Context, userID string, score int) error
}

// AdminChecker decides who may arbitrate disputes.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) bool
}

// StaticAdmins is an AdminChecker backed by a fixed set of user IDs.
type StaticAdmins map[string]struct{}

// NewStaticAdmins builds a StaticAdmins from a list of IDs.
func NewStaticAdmins(ids ...string) StaticAdmins {
	s := make(StaticAdmins, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s StaticAdmins) IsAdmin(_ context.Context, userID string) bool {
	_, ok := s[userID]
	return ok
}
