// Package paymentrail binds the escrow engine to the external settlement
// ledger. The engine only records the references returned here; custody
// and signing stay on the rail.
package paymentrail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// Simulated is an in-process rail for development and tests. Every lock
// reference is confirmed unless explicitly rejected, and settlements return
// "simulated_release_<ms>_<n>" / "simulated_refund_<ms>_<n>" references.
type Simulated struct {
	now func() time.Time
	seq atomic.Int64

	mu       sync.Mutex
	rejected map[string]bool
	releases int
	refunds  int
}

// NewSimulated creates a simulated rail.
func NewSimulated() *Simulated {
	return &Simulated{now: time.Now, rejected: make(map[string]bool)}
}

// Reject makes ConfirmLock report ref as unconfirmed.
func (s *Simulated) Reject(ref string) {
	s.mu.Lock()
	s.rejected[ref] = true
	s.mu.Unlock()
}

func (s *Simulated) ConfirmLock(_ context.Context, ref string) (bool, error) {
	if strings.TrimSpace(ref) == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.rejected[ref], nil
}

func (s *Simulated) InitiateRelease(_ context.Context, _ *escrow.Escrow) (string, error) {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
	return s.ref("release"), nil
}

func (s *Simulated) InitiateRefund(_ context.Context, _ *escrow.Escrow) (string, error) {
	s.mu.Lock()
	s.refunds++
	s.mu.Unlock()
	return s.ref("refund"), nil
}

// Counts returns how many releases and refunds were initiated.
func (s *Simulated) Counts() (releases, refunds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases, s.refunds
}

func (s *Simulated) ref(kind string) string {
	return fmt.Sprintf("simulated_%s_%d_%d", kind, s.now().UnixMilli(), s.seq.Add(1))
}

var _ escrow.PaymentRail = (*Simulated)(nil)
