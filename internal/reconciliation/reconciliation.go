// Package reconciliation audits escrows whose funds were locked and which
// reached a final state, yet have no release or refund reference on record.
// That happens when the payment-rail call after a committed transition
// fails. The audit only reports; it never calls the rail, so a settlement
// whose response was lost cannot be paid twice.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/shopspring/decimal"
)

const (
	// DefaultGrace skips records updated this recently; their settlement
	// may still be in flight.
	DefaultGrace = 2 * time.Minute

	// DefaultLimit caps how many findings one run reports.
	DefaultLimit = 500
)

// Store lists final-state escrows with no settlement reference.
type Store interface {
	ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]*escrow.Escrow, error)
}

// Finding is one escrow that needs manual settlement.
type Finding struct {
	EscrowID   string          `json:"escrowId"`
	State      escrow.State    `json:"state"`
	Expected   string          `json:"expected"` // release, refund, or arbitrated
	LockTxRef  string          `json:"lockTxRef"`
	Amount     decimal.Decimal `json:"amount"`
	Resolution string          `json:"resolution,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Report is the outcome of one audit run.
type Report struct {
	Findings  []Finding `json:"findings"`
	Count     int       `json:"count"`
	CheckedAt time.Time `json:"checkedAt"`
	Truncated bool      `json:"truncated"`
}

// Auditor runs the unsettled-escrow audit.
type Auditor struct {
	store  Store
	logger *slog.Logger
	grace  time.Duration
	limit  int
	now    func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewAuditor creates an auditor over store.
func NewAuditor(store Store, logger *slog.Logger) *Auditor {
	return &Auditor{
		store:  store,
		logger: logger,
		grace:  DefaultGrace,
		limit:  DefaultLimit,
		now:    time.Now,
	}
}

// WithGrace sets how old a record's last update must be before it counts.
func (a *Auditor) WithGrace(d time.Duration) *Auditor {
	if d >= 0 {
		a.grace = d
	}
	return a
}

// WithLimit caps the findings per run.
func (a *Auditor) WithLimit(n int) *Auditor {
	if n > 0 {
		a.limit = n
	}
	return a
}

// WithClock sets the time source (for testing).
func (a *Auditor) WithClock(now func() time.Time) *Auditor {
	a.now = now
	return a
}

// Run performs one audit and remembers it as the latest report.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	checkedAt := a.now()
	escrows, err := a.store.ListUnsettled(ctx, checkedAt.Add(-a.grace), a.limit+1)
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("list unsettled escrows: %w", err)
	}

	report := &Report{Findings: []Finding{}, CheckedAt: checkedAt}
	if len(escrows) > a.limit {
		escrows = escrows[:a.limit]
		report.Truncated = true
	}
	for _, e := range escrows {
		f := Finding{
			EscrowID:   e.ID,
			State:      e.State,
			Expected:   expectedSettlement(e.State),
			LockTxRef:  e.LockTxRef,
			Amount:     e.Amount,
			Resolution: e.DisputeResolution,
			UpdatedAt:  e.UpdatedAt,
		}
		report.Findings = append(report.Findings, f)
		a.logger.Error("escrow has no settlement reference, requires reconciliation",
			"escrowId", f.EscrowID, "state", f.State, "expected", f.Expected, "lockTxRef", f.LockTxRef)
	}
	report.Count = len(report.Findings)
	unsettledEscrows.Set(float64(report.Count))

	a.mu.Lock()
	a.last = report
	a.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (a *Auditor) Last() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

func expectedSettlement(s escrow.State) string {
	switch s {
	case escrow.StateDelivered:
		return "release"
	case escrow.StateCancelled, escrow.StateTimeoutRefund:
		return "refund"
	default:
		return "arbitrated"
	}
}
