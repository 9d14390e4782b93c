package reputation

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists reputation in PostgreSQL. Each write is a single
// upsert so concurrent ratings never lose an update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	prof := &Profile{UserID: userID}
	var updatedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT reputation_score, total_ratings, total_transactions, updated_at
		FROM user_reputation
		WHERE user_id = $1`, userID,
	).Scan(&prof.Score, &prof.TotalRatings, &prof.TotalTransactions, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return NewProfile(userID), nil
	}
	if err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		prof.UpdatedAt = updatedAt.Time
	}
	prof.Tier = tierFor(prof)
	return prof, nil
}

func (p *PostgresStore) RecordCompletedTransaction(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_reputation (user_id, reputation_score, total_ratings, total_transactions, updated_at)
		VALUES ($1, $2, 0, 1, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_transactions = user_reputation.total_transactions + 1,
			updated_at = NOW()`,
		userID, DefaultScore,
	)
	return err
}

// ApplyRating folds score into the running mean. The arithmetic mirrors
// NextScore: ROUND((old*n + r) / (n+1), 2).
func (p *PostgresStore) ApplyRating(ctx context.Context, userID string, score int) error {
	if err := validRating(score); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_reputation (user_id, reputation_score, total_ratings, total_transactions, updated_at)
		VALUES ($1, $2::NUMERIC(4,2), 1, 0, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			reputation_score = ROUND(
				(user_reputation.reputation_score * user_reputation.total_ratings + $2::NUMERIC)
				/ (user_reputation.total_ratings + 1), 2),
			total_ratings = user_reputation.total_ratings + 1,
			updated_at = NOW()`,
		userID, score,
	)
	return err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
