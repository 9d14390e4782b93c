package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tradeescrow/internal/money"
)

// IntentKind names a side effect the caller must dispatch after a
// transition commits.
type IntentKind string

const (
	IntentNotify            IntentKind = "notify"
	IntentListingStatus     IntentKind = "listing_status"
	IntentRelease           IntentKind = "release"
	IntentRefund            IntentKind = "refund"
	IntentRecordTransaction IntentKind = "record_transaction"
	IntentInvalidateCache   IntentKind = "invalidate_cache"
)

// Intent is one side effect produced by Apply.
type Intent struct {
	Kind          IntentKind
	Notification  *Notification
	ListingID     string
	ListingStatus ListingStatus
	UserID        string
	CacheKeys     []string
}

// Command is one requested transition.
type Command struct {
	Action Action
	Actor  Actor

	// lock
	LockRef       string
	LockConfirmed bool

	// dispute
	Reason string

	// resolve
	Resolution  string
	FavourBuyer bool
}

// StatsCacheKey holds the cached admin state summary.
const StatsCacheKey = "escrow:stats"

// ListingCacheKey is the catalog's cache key for a listing.
func ListingCacheKey(id string) string { return "listing:" + id }

// UserCacheKey is the cache key for a user profile (reputation included).
func UserCacheKey(id string) string { return "user:" + id }

// NotificationsCacheKey is the cache key for a user's notification feed.
func NotificationsCacheKey(id string) string { return "notifications:" + id }

// Check authorizes the actor and finds the edge for the command without
// evaluating guards. Authorization is decided before the current state is
// consulted, so an outsider learns nothing about the record.
func Check(e *Escrow, cmd Command) (Transition, error) {
	allowed := allowedActors(cmd.Action)
	if allowed == 0 {
		return Transition{}, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, cmd.Action)
	}
	kinds := cmd.Actor.kindsFor(e)
	if kinds&allowed == 0 {
		return Transition{}, ErrUnauthorized
	}

	t, ok := Lookup(e.State, cmd.Action)
	if !ok {
		return Transition{}, fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, cmd.Action, e.State)
	}
	if kinds&t.Actors == 0 {
		return Transition{}, ErrUnauthorized
	}
	return t, nil
}

// Apply computes the record that results from cmd at time now, plus the
// side effects to dispatch once it is persisted. e is never modified; on
// error the returned record is nil.
func Apply(e *Escrow, cmd Command, now time.Time) (*Escrow, []Intent, error) {
	t, err := Check(e, cmd)
	if err != nil {
		return nil, nil, err
	}

	next := e.Clone()
	var intents []Intent
	var note string

	switch cmd.Action {
	case ActionLock:
		if !cmd.LockConfirmed {
			return nil, nil, ErrLockNotConfirmed
		}
		if cmd.LockRef == "" {
			return nil, nil, fmt.Errorf("%w: lock reference required", ErrValidation)
		}
		next.LockTxRef = cmd.LockRef
		note = "Funds locked on payment rail"
		intents = append(intents, notifyIntent(e, e.SellerID, NotifyEscrowLocked,
			"Payment Locked!", "Buyer has locked funds in escrow. Ship the item.", now))

	case ActionShip:
		note = "Seller shipped the item"
		intents = append(intents, notifyIntent(e, e.BuyerID, NotifyOrderShipped,
			"Item Shipped!", "The seller has shipped your item. Confirm on delivery.", now))

	case ActionConfirmDelivery:
		note = "Buyer confirmed delivery"
		intents = append(intents,
			Intent{Kind: IntentRelease},
			Intent{Kind: IntentListingStatus, ListingID: e.ListingID, ListingStatus: completedStatus(e)},
			Intent{Kind: IntentRecordTransaction, UserID: e.SellerID},
			notifyIntent(e, e.SellerID, NotifyOrderDelivered, "Payment Released!",
				fmt.Sprintf("%s has been released to your wallet.", money.Format(e.SellerReceives)), now),
		)

	case ActionDispute:
		reason := strings.TrimSpace(cmd.Reason)
		if reason == "" {
			return nil, nil, fmt.Errorf("%w: dispute reason required", ErrValidation)
		}
		raisedAt := now
		next.DisputeRaisedBy = cmd.Actor.ID
		next.DisputeReason = reason
		next.DisputeRaisedAt = &raisedAt
		note = "Dispute raised: " + reason
		intents = append(intents, notifyIntent(e, counterparty(e, cmd.Actor.ID), NotifyDisputeRaised,
			"Dispute Opened", "A dispute has been raised for your order: "+reason, now))

	case ActionResolve:
		if strings.TrimSpace(cmd.Resolution) == "" {
			return nil, nil, fmt.Errorf("%w: resolution required", ErrValidation)
		}
		next.DisputeResolvedBy = cmd.Actor.ID
		next.DisputeResolution = cmd.Resolution
		var outcome string
		if cmd.FavourBuyer {
			outcome = "Resolved in buyer's favour"
			intents = append(intents,
				Intent{Kind: IntentRefund},
				Intent{Kind: IntentListingStatus, ListingID: e.ListingID, ListingStatus: ListingActive},
			)
		} else {
			outcome = "Resolved in seller's favour"
			intents = append(intents,
				Intent{Kind: IntentRelease},
				Intent{Kind: IntentListingStatus, ListingID: e.ListingID, ListingStatus: completedStatus(e)},
			)
		}
		note = outcome + ": " + cmd.Resolution
		for _, party := range []string{e.BuyerID, e.SellerID} {
			intents = append(intents, notifyIntent(e, party, NotifyDisputeResolved,
				"Dispute Resolved", outcome+". "+cmd.Resolution, now))
		}

	case ActionCancel:
		note = "Escrow cancelled"
		if e.State == StateLocked {
			intents = append(intents, Intent{Kind: IntentRefund})
		}
		intents = append(intents,
			Intent{Kind: IntentListingStatus, ListingID: e.ListingID, ListingStatus: ListingActive},
			notifyIntent(e, counterparty(e, cmd.Actor.ID), NotifyEscrowCancelled,
				"Escrow Cancelled", "The escrow for your order has been cancelled.", now),
		)

	case ActionTimeout:
		if !e.AutoRefundEligible {
			return nil, nil, fmt.Errorf("%w: escrow is not eligible for auto-refund", ErrInvalidTransition)
		}
		if !now.After(e.ExpiresAt) {
			return nil, nil, fmt.Errorf("%w: escrow has not expired", ErrInvalidTransition)
		}
		note = "Auto-refunded due to timeout"
		intents = append(intents,
			Intent{Kind: IntentRefund},
			Intent{Kind: IntentListingStatus, ListingID: e.ListingID, ListingStatus: ListingActive},
			notifyIntent(e, e.BuyerID, NotifyAutoRefund, "Auto-Refund Processed",
				"Your escrow timed out and funds have been refunded.", now),
		)
	}

	next.State = t.To
	next.StateHistory = append(next.StateHistory, HistoryEntry{
		State:     t.To,
		ChangedAt: now,
		ChangedBy: cmd.Actor.ID,
		Note:      note,
	})
	if !t.To.Sweepable() {
		next.AutoRefundEligible = false
	}
	next.UpdatedAt = now

	intents = append(intents, Intent{
		Kind:      IntentInvalidateCache,
		CacheKeys: []string{StatsCacheKey, ListingCacheKey(e.ListingID)},
	})
	return next, intents, nil
}

// NewEscrow builds a PENDING record from a priced quote. Fees and deposit
// are fixed here and never recomputed.
func NewEscrow(id string, l *Listing, buyerID string, q Quote, timeout time.Duration, now time.Time) (*Escrow, []Intent) {
	e := &Escrow{
		ID:                 id,
		ListingID:          l.ID,
		BuyerID:            buyerID,
		SellerID:           l.SellerID,
		Amount:             q.Amount,
		PlatformFee:        q.PlatformFee,
		SellerReceives:     q.SellerReceives,
		Deposit:            q.Deposit,
		RentalPeriod:       q.RentalPeriod,
		State:              StatePending,
		StateHistory:       []HistoryEntry{{State: StatePending, ChangedAt: now, ChangedBy: buyerID, Note: "Escrow created"}},
		ExpiresAt:          now.Add(timeout),
		AutoRefundEligible: true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	title := l.Title
	if title == "" {
		title = "Your listing"
	}
	intents := []Intent{
		{Kind: IntentListingStatus, ListingID: l.ID, ListingStatus: ListingReserved},
		notifyIntent(e, l.SellerID, NotifyEscrowCreated, "New Order!",
			title+" has a new buyer. Escrow pending.", now),
		{Kind: IntentInvalidateCache, CacheKeys: []string{StatsCacheKey, ListingCacheKey(l.ID)}},
	}
	return e, intents
}

// completedStatus is the listing status once funds go to the seller.
func completedStatus(e *Escrow) ListingStatus {
	if e.RentalPeriod != nil {
		return ListingRented
	}
	return ListingSold
}
