package listing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mbd888/tradeescrow/internal/escrow"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	status := l.Status
	if status == "" {
		status = escrow.ListingActive
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, title, description, category, type, price, price_unit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		l.ID, l.SellerID, l.Title, l.Description, l.Category,
		string(l.Type), l.Price, string(l.PriceUnit), string(status),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	var typ, unit, status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, description, category, type, price, price_unit, status, created_at, updated_at
		FROM listings WHERE id = $1`, id,
	).Scan(&l.ID, &l.SellerID, &l.Title, &l.Description, &l.Category,
		&typ, &l.Price, &unit, &status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Type = escrow.ListingType(typ)
	l.PriceUnit = escrow.PriceUnit(unit)
	l.Status = escrow.ListingStatus(status)
	return l, nil
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*escrow.Listing, error) {
	l, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Terms(), nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status escrow.ListingStatus) error {
	if !validStatus(status) {
		return fmt.Errorf("%w: unknown listing status %q", escrow.ErrValidation, status)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return escrow.ErrListingNotFound
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
