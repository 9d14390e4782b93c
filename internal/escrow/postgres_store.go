package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/tradeescrow/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// activeStates matches the partial unique indexes on listing_id and on
// (listing_id, buyer_id).
const activeStates = `('PENDING', 'LOCKED', 'IN_TRANSIT')`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	historyJSON, err := marshalHistory(e.StateHistory)
	if err != nil {
		return err
	}
	rentalFrom, rentalTo := rentalBounds(e.RentalPeriod)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, listing_id, buyer_id, seller_id,
			amount, platform_fee, seller_receives, deposit,
			rental_from, rental_to, lock_tx_ref,
			state, state_history, expires_at, auto_refund_eligible,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(20,6), $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8::NUMERIC(20,6),
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17
		)`,
		e.ID, e.ListingID, e.BuyerID, e.SellerID,
		e.Amount, e.PlatformFee, e.SellerReceives, e.Deposit,
		rentalFrom, rentalTo, nullString(e.LockTxRef),
		string(e.State), historyJSON, e.ExpiresAt, e.AutoRefundEligible,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return p.activeConflict(ctx, e, pqErr.Constraint)
		}
		return err
	}
	return nil
}

// activeListingIndex is the partial unique index allowing one active escrow
// per listing.
const activeListingIndex = "idx_escrows_active_listing"

// activeConflict names the unique violation raised by Create. Either index
// may fire first for a repeat buyer, so the listing-wide one is
// disambiguated with a lookup.
func (p *PostgresStore) activeConflict(ctx context.Context, e *Escrow, constraint string) error {
	if constraint != activeListingIndex {
		return ErrDuplicateActive
	}
	if _, err := p.FindActive(ctx, e.ListingID, e.BuyerID); err == nil {
		return ErrDuplicateActive
	}
	return ErrListingUnavailable
}

const escrowColumns = `id, listing_id, buyer_id, seller_id,
		       amount, platform_fee, seller_receives, deposit,
		       rental_from, rental_to, lock_tx_ref, release_tx_ref, refund_tx_ref,
		       state, state_history,
		       dispute_raised_by, dispute_reason, dispute_raised_at,
		       dispute_resolved_by, dispute_resolution,
		       expires_at, auto_refund_eligible, buyer_rating, seller_rating,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) FindActive(ctx context.Context, listingID, buyerID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE listing_id = $1 AND buyer_id = $2 AND state IN `+activeStates+`
		LIMIT 1`, listingID, buyerID)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// CompareAndSwap writes the transition-owned columns guarded by
// "state = expected". Reference columns are only filled when still NULL.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, expected State, e *Escrow) error {
	historyJSON, err := marshalHistory(e.StateHistory)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, state_history = $2,
			lock_tx_ref = COALESCE(lock_tx_ref, $3),
			dispute_raised_by = $4, dispute_reason = $5, dispute_raised_at = $6,
			dispute_resolved_by = $7, dispute_resolution = $8,
			auto_refund_eligible = $9, updated_at = $10
		WHERE id = $11 AND state = $12`,
		string(e.State), historyJSON,
		nullString(e.LockTxRef),
		nullString(e.DisputeRaisedBy), nullString(e.DisputeReason), nullTime(e.DisputeRaisedAt),
		nullString(e.DisputeResolvedBy), nullString(e.DisputeResolution),
		e.AutoRefundEligible, e.UpdatedAt,
		e.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if exists, err := p.exists(ctx, e.ID); err != nil {
			return err
		} else if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

// SetTxRef records a payment-rail reference once. Later writes are no-ops.
func (p *PostgresStore) SetTxRef(ctx context.Context, id string, kind TxRefKind, ref string) error {
	var column string
	switch kind {
	case TxRefLock:
		column = "lock_tx_ref"
	case TxRefRelease:
		column = "release_tx_ref"
	case TxRefRefund:
		column = "refund_tx_ref"
	default:
		return fmt.Errorf("%w: unknown reference kind %q", ErrValidation, kind)
	}

	result, err := p.db.ExecContext(ctx,
		`UPDATE escrows SET `+column+` = $1 WHERE id = $2 AND `+column+` IS NULL`, ref, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		exists, err := p.exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) SetRating(ctx context.Context, id string, role PartyRole, rating Rating) error {
	column := "buyer_rating"
	switch role {
	case RoleBuyer:
	case RoleSeller:
		column = "seller_rating"
	default:
		return fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	ratingJSON, err := json.Marshal(rating)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET `+column+` = $1
		WHERE id = $2 AND `+column+` IS NULL AND state IN ('DELIVERED', 'RESOLVED')`,
		ratingJSON, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	cur, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if !cur.State.Rateable() {
		return ErrInvalidTransition
	}
	return ErrAlreadyRated
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('LOCKED', 'IN_TRANSIT')
		  AND auto_refund_eligible = TRUE
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByParty(ctx context.Context, q PartyQuery) ([]*Escrow, error) {
	column := "buyer_id"
	if q.Role == RoleSeller {
		column = "seller_id"
	}
	var afterAt sql.NullTime
	var afterID string
	if q.After != nil {
		afterAt = sql.NullTime{Time: q.After.CreatedAt, Valid: true}
		afterID = q.After.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE `+column+` = $1 AND ($2 = '' OR state = $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`, q.UserID, string(q.State), afterAt, afterID, q.Limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// ListDisputed pages through DISPUTED escrows by (dispute_raised_at, id)
// descending.
func (p *PostgresStore) ListDisputed(ctx context.Context, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var afterAt sql.NullTime
	var afterID string
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = 'DISPUTED'
		  AND ($1::TIMESTAMPTZ IS NULL OR (dispute_raised_at, id) < ($1, $2))
		ORDER BY dispute_raised_at DESC, id DESC
		LIMIT $3`, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// ListUnsettled returns final-state escrows with a lock reference but no
// release or refund reference, oldest update first.
func (p *PostgresStore) ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('DELIVERED', 'RESOLVED', 'CANCELLED', 'TIMEOUT_REFUND')
		  AND lock_tx_ref IS NOT NULL
		  AND release_tx_ref IS NULL
		  AND refund_tx_ref IS NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Stats(ctx context.Context) ([]StateStat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT state, COUNT(*), COALESCE(SUM(amount), 0)
		FROM escrows
		GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byState := make(map[State]StateStat)
	for rows.Next() {
		var st StateStat
		var state string
		if err := rows.Scan(&state, &st.Count, &st.Volume); err != nil {
			return nil, err
		}
		st.State = State(state)
		byState[st.State] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result []StateStat
	for _, s := range AllStates {
		if st, ok := byState[s]; ok {
			result = append(result, st)
		}
	}
	return result, nil
}

func (p *PostgresStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM escrows WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		rentalFrom        sql.NullTime
		rentalTo          sql.NullTime
		lockTxRef         sql.NullString
		releaseTxRef      sql.NullString
		refundTxRef       sql.NullString
		state             string
		historyJSON       []byte
		disputeRaisedBy   sql.NullString
		disputeReason     sql.NullString
		disputeRaisedAt   sql.NullTime
		disputeResolvedBy sql.NullString
		disputeResolution sql.NullString
		buyerRatingJSON   []byte
		sellerRatingJSON  []byte
	)

	err := s.Scan(
		&e.ID, &e.ListingID, &e.BuyerID, &e.SellerID,
		&e.Amount, &e.PlatformFee, &e.SellerReceives, &e.Deposit,
		&rentalFrom, &rentalTo, &lockTxRef, &releaseTxRef, &refundTxRef,
		&state, &historyJSON,
		&disputeRaisedBy, &disputeReason, &disputeRaisedAt,
		&disputeResolvedBy, &disputeResolution,
		&e.ExpiresAt, &e.AutoRefundEligible, &buyerRatingJSON, &sellerRatingJSON,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.State = State(state)
	e.LockTxRef = lockTxRef.String
	e.ReleaseTxRef = releaseTxRef.String
	e.RefundTxRef = refundTxRef.String
	e.DisputeRaisedBy = disputeRaisedBy.String
	e.DisputeReason = disputeReason.String
	e.DisputeResolvedBy = disputeResolvedBy.String
	e.DisputeResolution = disputeResolution.String
	if rentalFrom.Valid && rentalTo.Valid {
		e.RentalPeriod = &RentalPeriod{From: rentalFrom.Time, To: rentalTo.Time}
	}
	if disputeRaisedAt.Valid {
		e.DisputeRaisedAt = &disputeRaisedAt.Time
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &e.StateHistory); err != nil {
			return nil, fmt.Errorf("decode state history for %s: %w", e.ID, err)
		}
	}
	if e.BuyerRating, err = unmarshalRating(buyerRatingJSON); err != nil {
		return nil, err
	}
	if e.SellerRating, err = unmarshalRating(sellerRatingJSON); err != nil {
		return nil, err
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func marshalHistory(h []HistoryEntry) ([]byte, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

func unmarshalRating(b []byte) (*Rating, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var r Rating
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func rentalBounds(rp *RentalPeriod) (sql.NullTime, sql.NullTime) {
	if rp == nil {
		return sql.NullTime{}, sql.NullTime{}
	}
	return sql.NullTime{Time: rp.From, Valid: true}, sql.NullTime{Time: rp.To, Valid: true}
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
