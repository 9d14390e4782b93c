package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNextScore(t *testing.T) {
	tests := []struct {
		name   string
		old    string
		count  int
		rating int
		want   string
	}{
		{"first rating replaces default", "5", 0, 3, "3"},
		{"second rating averages", "3", 1, 4, "3.5"},
		{"rounds to two decimals", "4", 2, 5, "4.33"},
		{"rounds half up", "4.5", 1, 4, "4.25"},
		{"low rating pulls down", "5", 3, 1, "4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextScore(decimal.RequireFromString(tt.old), tt.count, tt.rating)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("NextScore(%s, %d, %d) = %s, want %s", tt.old, tt.count, tt.rating, got, tt.want)
			}
		})
	}
}

func TestMemoryStore_DefaultProfile(t *testing.T) {
	s := NewMemoryStore()

	p, err := s.Get(context.Background(), "user_new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Score.Equal(DefaultScore) {
		t.Errorf("expected default score 5, got %s", p.Score)
	}
	if p.TotalRatings != 0 || p.TotalTransactions != 0 {
		t.Errorf("expected empty counters, got %+v", p)
	}
	if p.Tier != TierNew {
		t.Errorf("expected tier new, got %s", p.Tier)
	}
}

func TestMemoryStore_ApplyRating(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, r := range []int{4, 5, 3} {
		if err := s.ApplyRating(ctx, "seller", r); err != nil {
			t.Fatalf("ApplyRating(%d): %v", r, err)
		}
	}

	p, _ := s.Get(ctx, "seller")
	if p.TotalRatings != 3 {
		t.Errorf("expected 3 ratings, got %d", p.TotalRatings)
	}
	if !p.Score.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected score 4, got %s", p.Score)
	}
}

func TestMemoryStore_ApplyRatingRejectsOutOfRange(t *testing.T) {
	s := NewMemoryStore()
	for _, r := range []int{0, 6, -2} {
		if err := s.ApplyRating(context.Background(), "u", r); !errors.Is(err, ErrInvalidRating) {
			t.Errorf("ApplyRating(%d) = %v, want ErrInvalidRating", r, err)
		}
	}
}

func TestMemoryStore_RecordCompletedTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 3; i++ {
		if err := s.RecordCompletedTransaction(ctx, "seller"); err != nil {
			t.Fatal(err)
		}
	}
	p, _ := s.Get(ctx, "seller")
	if p.TotalTransactions != 3 {
		t.Errorf("expected 3 transactions, got %d", p.TotalTransactions)
	}
	if p.Tier != TierEstablished {
		t.Errorf("expected tier established, got %s", p.Tier)
	}
	if p.TotalRatings != 0 || !p.Score.Equal(DefaultScore) {
		t.Errorf("transactions must not change the score, got %+v", p)
	}
}

func TestMemoryStore_ConcurrentRatings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.ApplyRating(ctx, "seller", 5)
		}()
	}
	wg.Wait()

	p, _ := s.Get(ctx, "seller")
	if p.TotalRatings != 50 {
		t.Fatalf("expected 50 ratings, got %d", p.TotalRatings)
	}
	if !p.Score.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected score 5, got %s", p.Score)
	}
}

func TestTier(t *testing.T) {
	p := &Profile{Score: decimal.RequireFromString("4.8"), TotalTransactions: 12}
	if got := tierFor(p); got != TierTrusted {
		t.Errorf("expected trusted, got %s", got)
	}
	p.Score = decimal.RequireFromString("4.2")
	if got := tierFor(p); got != TierEstablished {
		t.Errorf("expected established for low score, got %s", got)
	}
}
