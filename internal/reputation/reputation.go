// Package reputation tracks per-user trading reputation.
//
// A user's score is the running mean of the ratings their counterparties
// gave them, rounded to two decimals. A user with no ratings scores 5.0.
// The completed-transaction counter is bumped for the seller when a buyer
// confirms delivery.
package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrNotFound      = errors.New("user not found")
)

// DefaultScore is the score of a user nobody has rated yet.
var DefaultScore = decimal.NewFromInt(5)

// Profile is one user's reputation.
type Profile struct {
	UserID            string          `json:"userId"`
	Score             decimal.Decimal `json:"reputationScore"`
	TotalRatings      int             `json:"totalRatings"`
	TotalTransactions int             `json:"totalTransactions"`
	Tier              Tier            `json:"tier"`
	UpdatedAt         time.Time       `json:"updatedAt,omitempty"`
}

// Tier is a human-readable standing derived from score and history.
type Tier string

const (
	TierNew         Tier = "new"         // fewer than 3 completed trades
	TierEstablished Tier = "established" // 3+ trades
	TierTrusted     Tier = "trusted"     // 10+ trades and score >= 4.5
)

// NewProfile returns the profile of a user with no history.
func NewProfile(userID string) *Profile {
	p := &Profile{UserID: userID, Score: DefaultScore}
	p.Tier = tierFor(p)
	return p
}

// NextScore folds one rating into a running mean of count ratings.
func NextScore(old decimal.Decimal, count, rating int) decimal.Decimal {
	total := old.Mul(decimal.NewFromInt(int64(count))).Add(decimal.NewFromInt(int64(rating)))
	return total.Div(decimal.NewFromInt(int64(count + 1))).Round(2)
}

func tierFor(p *Profile) Tier {
	switch {
	case p.TotalTransactions >= 10 && p.Score.GreaterThanOrEqual(decimal.RequireFromString("4.5")):
		return TierTrusted
	case p.TotalTransactions >= 3:
		return TierEstablished
	default:
		return TierNew
	}
}

// Store persists reputation profiles. Both writes must be atomic per user.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	RecordCompletedTransaction(ctx context.Context, userID string) error
	ApplyRating(ctx context.Context, userID string, score int) error
}

func validRating(score int) error {
	if score < 1 || score > 5 {
		return ErrInvalidRating
	}
	return nil
}
