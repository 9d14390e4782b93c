package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/pagination"
	"github.com/mbd888/tradeescrow/internal/syncutil"
	"github.com/mbd888/tradeescrow/internal/traces"
	"github.com/shopspring/decimal"
)

const (
	// DefaultTimeout is how long a new escrow stays open before the sweeper
	// may auto-refund it.
	DefaultTimeout = 72 * time.Hour

	// DefaultPortTimeout bounds every call to an external port.
	DefaultPortTimeout = 5 * time.Second

	statsTTL = 120 * time.Second

	maxCommentLength = 1000
	maxReasonLength  = 2000
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	ListingID    string        `json:"listingId" binding:"required"`
	BuyerID      string        `json:"-"`
	RentalPeriod *RentalPeriod `json:"rentalPeriod,omitempty"`
}

// Service implements the escrow engine: it loads a record, runs the pure
// transition function, persists the result with a compare-and-swap on state
// and dispatches the resulting side effects to the external ports.
type Service struct {
	store       Store
	listings    ListingCatalog
	rail        PaymentRail
	notifier    Notifier
	cache       Cache
	reputation  Reputation
	admins      AdminChecker
	feePercent  decimal.Decimal
	timeout     time.Duration
	portTimeout time.Duration
	now         func() time.Time

	// locks serializes commands on one escrow within this process. The
	// store's compare-and-swap still decides between processes.
	locks *syncutil.KeyMutex
}

// NewService creates a new escrow service.
func NewService(store Store, listings ListingCatalog, rail PaymentRail) *Service {
	return &Service{
		store:       store,
		listings:    listings,
		rail:        rail,
		admins:      StaticAdmins{},
		feePercent:  DefaultFeePercent,
		timeout:     DefaultTimeout,
		portTimeout: DefaultPortTimeout,
		now:         time.Now,
		locks:       syncutil.NewKeyMutex(syncutil.DefaultShards),
	}
}

// WithNotifier adds a notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithCache adds a best-effort cache.
func (s *Service) WithCache(c Cache) *Service {
	s.cache = c
	return s
}

// WithReputation adds reputation tracking.
func (s *Service) WithReputation(r Reputation) *Service {
	s.reputation = r
	return s
}

// WithAdmins sets who may arbitrate disputes.
func (s *Service) WithAdmins(a AdminChecker) *Service {
	s.admins = a
	return s
}

// WithFeePercent sets the platform fee percentage.
func (s *Service) WithFeePercent(p decimal.Decimal) *Service {
	s.feePercent = p
	return s
}

// WithTimeout sets the escrow expiry applied at creation.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithPortTimeout bounds every external port call.
func (s *Service) WithPortTimeout(d time.Duration) *Service {
	if d > 0 {
		s.portTimeout = d
	}
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a PENDING escrow for a listing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.ListingID(req.ListingID), traces.UserID(req.BuyerID))
	defer span.End()

	if req.ListingID == "" || req.BuyerID == "" {
		return nil, fmt.Errorf("%w: listing and buyer are required", ErrValidation)
	}

	pctx, cancel := s.portContext(ctx)
	listing, err := s.listings.GetListing(pctx, req.ListingID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}
	if listing.SellerID == req.BuyerID {
		return nil, fmt.Errorf("%w: cannot buy your own listing", ErrValidation)
	}

	if _, err := s.store.FindActive(ctx, req.ListingID, req.BuyerID); err == nil {
		return nil, ErrDuplicateActive
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if listing.Status != ListingActive {
		return nil, ErrListingUnavailable
	}

	quote, err := QuoteListing(listing, req.RentalPeriod, s.feePercent)
	if err != nil {
		return nil, err
	}

	e, intents := NewEscrow(idgen.WithPrefix("esc_"), listing, req.BuyerID, quote, s.timeout, s.now())
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowCreatedTotal.Inc()
	ctx = logging.With(ctx, "escrowId", e.ID)
	logging.L(ctx).Info("escrow created",
		"listingId", e.ListingID,
		"buyer", e.BuyerID,
		"seller", e.SellerID,
		"amount", e.Amount.String(),
	)

	s.dispatch(ctx, e, intents)
	return e, nil
}

// Lock moves PENDING → LOCKED once the payment rail confirms the lock
// reference. An empty lockRef gets a generated reference.
func (s *Service) Lock(ctx context.Context, id, actorID, lockRef string) (*Escrow, error) {
	return s.transition(ctx, id, Command{
		Action:  ActionLock,
		Actor:   s.actor(ctx, actorID),
		LockRef: strings.TrimSpace(lockRef),
	}, s.now())
}

// Ship marks the item as shipped by the seller.
func (s *Service) Ship(ctx context.Context, id, actorID string) (*Escrow, error) {
	return s.transition(ctx, id, Command{Action: ActionShip, Actor: s.actor(ctx, actorID)}, s.now())
}

// ConfirmDelivery releases funds to the seller.
func (s *Service) ConfirmDelivery(ctx context.Context, id, actorID string) (*Escrow, error) {
	return s.transition(ctx, id, Command{Action: ActionConfirmDelivery, Actor: s.actor(ctx, actorID)}, s.now())
}

// RaiseDispute freezes the escrow for admin arbitration.
func (s *Service) RaiseDispute(ctx context.Context, id, actorID, reason string) (*Escrow, error) {
	if len(reason) > maxReasonLength {
		return nil, fmt.Errorf("%w: reason too long", ErrValidation)
	}
	return s.transition(ctx, id, Command{
		Action: ActionDispute,
		Actor:  s.actor(ctx, actorID),
		Reason: reason,
	}, s.now())
}

// ResolveDispute settles a DISPUTED escrow. favourBuyer refunds the buyer;
// otherwise funds are released to the seller. resolution is stored verbatim.
func (s *Service) ResolveDispute(ctx context.Context, id, adminID, resolution string, favourBuyer bool) (*Escrow, error) {
	return s.transition(ctx, id, Command{
		Action:      ActionResolve,
		Actor:       s.actor(ctx, adminID),
		Resolution:  resolution,
		FavourBuyer: favourBuyer,
	}, s.now())
}

// Cancel aborts a PENDING or LOCKED escrow; a locked one is refunded.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (*Escrow, error) {
	return s.transition(ctx, id, Command{Action: ActionCancel, Actor: s.actor(ctx, actorID)}, s.now())
}

// Timeout auto-refunds an expired escrow on behalf of the sweeper.
func (s *Service) Timeout(ctx context.Context, id string, now time.Time) (*Escrow, error) {
	return s.transition(ctx, id, Command{Action: ActionTimeout, Actor: SystemActor()}, now)
}

// transition is the single write path for every state change.
func (s *Service) transition(ctx context.Context, id string, cmd Command, now time.Time) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(cmd.Action), traces.EscrowID(id), traces.UserID(cmd.Actor.ID))
	defer func() {
		traces.Fail(span, err)
		span.End()
	}()
	ctx = logging.With(ctx, "escrowId", id, "action", cmd.Action)

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Authorization and graph checks come before any port is touched.
	if _, err := Check(e, cmd); err != nil {
		s.rejected(cmd.Action, err)
		return nil, err
	}

	if cmd.Action == ActionLock {
		if cmd.LockRef == "" {
			cmd.LockRef = idgen.WithPrefix("lock_")
		}
		confirmed, err := s.confirmLock(ctx, cmd.LockRef)
		if err != nil {
			s.rejected(cmd.Action, ErrLockNotConfirmed)
			return nil, fmt.Errorf("%w: %w", ErrLockNotConfirmed, err)
		}
		cmd.LockConfirmed = confirmed
	}

	next, intents, err := Apply(e, cmd, now)
	if err != nil {
		s.rejected(cmd.Action, err)
		return nil, err
	}

	if err := s.store.CompareAndSwap(ctx, e.State, next); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			metrics.EscrowCASConflictsTotal.Inc()
			s.rejected(cmd.Action, ErrInvalidTransition)
			return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.State), string(next.State)).Inc()
	if next.IsTerminal() {
		metrics.EscrowDuration.Observe(next.UpdatedAt.Sub(next.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("escrow transitioned",
		"from", e.State,
		"to", next.State,
		"actor", cmd.Actor.ID,
	)

	s.dispatch(ctx, next, intents)
	return next, nil
}

func (s *Service) confirmLock(ctx context.Context, ref string) (bool, error) {
	pctx, cancel := s.portContext(ctx)
	defer cancel()
	ok, err := s.rail.ConfirmLock(pctx, ref)
	if err != nil {
		metrics.EscrowPortFailuresTotal.WithLabelValues("payment_rail").Inc()
		return false, err
	}
	return ok, nil
}

// dispatch executes intents after the transition has committed. Nothing here
// can undo the commit: failures are logged and counted only. The request
// context's cancellation is dropped so a client disconnect does not abandon
// the payment-rail call of a transition it already won.
func (s *Service) dispatch(ctx context.Context, e *Escrow, intents []Intent) {
	ctx = context.WithoutCancel(ctx)
	for _, in := range intents {
		switch in.Kind {
		case IntentRelease:
			s.settle(ctx, e, TxRefRelease)
		case IntentRefund:
			s.settle(ctx, e, TxRefRefund)
		case IntentListingStatus:
			s.setListingStatus(ctx, in.ListingID, in.ListingStatus)
		case IntentRecordTransaction:
			s.recordTransaction(ctx, in.UserID)
		case IntentNotify:
			s.notify(ctx, in.Notification)
		case IntentInvalidateCache:
			s.invalidate(ctx, in.CacheKeys...)
		}
	}
}

// settle issues the single payment-rail call for a winning transition and
// records its reference. The reference fields are write-once.
func (s *Service) settle(ctx context.Context, e *Escrow, kind TxRefKind) {
	pctx, cancel := s.portContext(ctx)
	defer cancel()

	var ref string
	var err error
	if kind == TxRefRelease {
		ref, err = s.rail.InitiateRelease(pctx, e)
	} else {
		ref, err = s.rail.InitiateRefund(pctx, e)
	}
	if err != nil {
		metrics.EscrowPortFailuresTotal.WithLabelValues("payment_rail").Inc()
		logging.L(ctx).Error("payment rail call failed after commit, requires reconciliation",
			"kind", kind, "state", e.State, "error", err)
		return
	}

	if err := s.store.SetTxRef(pctx, e.ID, kind, ref); err != nil {
		logging.L(ctx).Error("failed to record payment rail reference, requires reconciliation",
			"kind", kind, "ref", ref, "error", err)
		return
	}
	switch kind {
	case TxRefRelease:
		e.ReleaseTxRef = ref
	case TxRefRefund:
		e.RefundTxRef = ref
	}
}

func (s *Service) setListingStatus(ctx context.Context, listingID string, status ListingStatus) {
	pctx, cancel := s.portContext(ctx)
	defer cancel()
	if err := s.listings.SetStatus(pctx, listingID, status); err != nil {
		metrics.EscrowPortFailuresTotal.WithLabelValues("listing").Inc()
		logging.L(ctx).Warn("failed to update listing status", "listingId", listingID, "status", status, "error", err)
	}
}

func (s *Service) recordTransaction(ctx context.Context, userID string) {
	if s.reputation == nil {
		return
	}
	pctx, cancel := s.portContext(ctx)
	defer cancel()
	if err := s.reputation.RecordCompletedTransaction(pctx, userID); err != nil {
		metrics.EscrowPortFailuresTotal.WithLabelValues("reputation").Inc()
		logging.L(ctx).Warn("failed to record completed transaction", "user", userID, "error", err)
		return
	}
	s.invalidate(ctx, UserCacheKey(userID))
}

func (s *Service) notify(ctx context.Context, n *Notification) {
	if s.notifier == nil || n == nil {
		return
	}
	pctx, cancel := s.portContext(ctx)
	defer cancel()
	if err := s.notifier.Notify(pctx, *n); err != nil {
		metrics.EscrowPortFailuresTotal.WithLabelValues("notification").Inc()
		logging.L(ctx).Warn("notification failed", "recipient", n.RecipientID, "type", n.Type, "error", err)
		return
	}
	s.invalidate(ctx, NotificationsCacheKey(n.RecipientID))
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil || len(keys) == 0 {
		return
	}
	pctx, cancel := s.portContext(ctx)
	defer cancel()
	if err := s.cache.Invalidate(pctx, keys...); err != nil {
		metrics.EscrowPortFailuresTotal.WithLabelValues("cache").Inc()
		logging.L(ctx).Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

// Rate records one party's review of the other. Each role may rate once,
// and only after the escrow is DELIVERED or RESOLVED.
func (s *Service) Rate(ctx context.Context, id, actorID string, score int, comment string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.rate", traces.EscrowID(id), traces.UserID(actorID))
	defer span.End()

	if score < 1 || score > 5 {
		return nil, fmt.Errorf("%w: score must be between 1 and 5", ErrValidation)
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLength {
		return nil, fmt.Errorf("%w: comment too long", ErrValidation)
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var role PartyRole
	switch {
	case actorID != "" && actorID == e.BuyerID:
		role = RoleBuyer
	case actorID != "" && actorID == e.SellerID:
		role = RoleSeller
	default:
		return nil, ErrUnauthorized
	}
	if !e.State.Rateable() {
		return nil, fmt.Errorf("%w: can only rate completed transactions", ErrInvalidTransition)
	}
	if (role == RoleBuyer && e.BuyerRating != nil) || (role == RoleSeller && e.SellerRating != nil) {
		return nil, ErrAlreadyRated
	}

	rating := Rating{Score: score, Comment: comment, RatedAt: s.now()}
	if err := s.store.SetRating(ctx, id, role, rating); err != nil {
		return nil, err
	}

	rated := counterparty(e, actorID)
	if role == RoleBuyer {
		e.BuyerRating = &rating
	} else {
		e.SellerRating = &rating
	}

	if s.reputation != nil {
		pctx, cancel := s.portContext(context.WithoutCancel(ctx))
		err := s.reputation.ApplyRating(pctx, rated, score)
		cancel()
		if err != nil {
			metrics.EscrowPortFailuresTotal.WithLabelValues("reputation").Inc()
			logging.L(ctx).Warn("failed to apply rating to reputation", "user", rated, "error", err)
		} else {
			s.invalidate(context.WithoutCancel(ctx), UserCacheKey(rated))
		}
	}

	metrics.EscrowRatingsTotal.WithLabelValues(string(role)).Inc()
	return e, nil
}

// Get returns an escrow visible to viewerID (a party or an admin).
func (s *Service) Get(ctx context.Context, id, viewerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(viewerID) && !s.admins.IsAdmin(ctx, viewerID) {
		return nil, ErrUnauthorized
	}
	return e, nil
}

// ListMine returns one page of escrows where userID holds role, optionally
// filtered by state, newest first. cursor is the value returned with the
// previous page; the returned cursor is empty on the last page.
func (s *Service) ListMine(ctx context.Context, userID string, role PartyRole, state State, cursor string, limit int) ([]*Escrow, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if role != RoleSeller {
		role = RoleBuyer
	}
	if state != "" && !state.Valid() {
		return nil, "", fmt.Errorf("%w: unknown state %q", ErrValidation, state)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	escrows, err := s.store.ListByParty(ctx, PartyQuery{
		UserID: userID,
		Role:   role,
		State:  state,
		After:  after,
		Limit:  limit + 1,
	})
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// ListDisputes returns one page of the arbitration queue: DISPUTED escrows,
// most recently disputed first. Only admins may read it.
func (s *Service) ListDisputes(ctx context.Context, adminID, cursor string, limit int) ([]*Escrow, string, error) {
	if !s.admins.IsAdmin(ctx, adminID) {
		return nil, "", ErrUnauthorized
	}
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	escrows, err := s.store.ListDisputed(ctx, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.disputedAt(), e.ID
	})
	return page, next, nil
}

// Stats summarizes escrows per state. Results are cached briefly.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	if s.cache != nil {
		var cached Stats
		if ok, err := s.cache.Get(ctx, StatsCacheKey, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	states, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{States: states, TotalVolume: decimal.Zero}
	for _, st := range states {
		if st.State == StateDelivered || st.State == StateResolved {
			stats.TotalVolume = stats.TotalVolume.Add(st.Volume)
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, StatsCacheKey, stats, statsTTL); err != nil {
			logging.L(ctx).Warn("failed to cache escrow stats", "error", err)
		}
	}
	return stats, nil
}

// IsAdmin reports whether userID may arbitrate.
func (s *Service) IsAdmin(ctx context.Context, userID string) bool {
	return s.admins.IsAdmin(ctx, userID)
}

func (s *Service) actor(ctx context.Context, userID string) Actor {
	return Actor{ID: userID, Admin: userID != "" && s.admins.IsAdmin(ctx, userID)}
}

func (s *Service) portContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.portTimeout)
}

func (s *Service) rejected(action Action, err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, ErrLockNotConfirmed):
		reason = "lock_not_confirmed"
	case errors.Is(err, ErrInvalidTransition):
		reason = "invalid_transition"
	case errors.Is(err, ErrValidation):
		reason = "validation"
	}
	metrics.EscrowRejectedTotal.WithLabelValues(string(action), reason).Inc()
}
