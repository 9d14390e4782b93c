package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeescrow/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval    = time.Minute
	DefaultSweepBatchSize   = 100
	DefaultSweepConcurrency = 4
)

// Sweeper periodically auto-refunds escrows that expired while LOCKED or
// IN_TRANSIT. DISPUTED escrows are never swept.
type Sweeper struct {
	service     *Service
	store       Store
	interval    time.Duration
	batchSize   int
	concurrency int
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool
}

// NewSweeper creates a new timeout sweeper.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:     service,
		store:       store,
		interval:    DefaultSweepInterval,
		batchSize:   DefaultSweepBatchSize,
		concurrency: DefaultSweepConcurrency,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// WithInterval sets the tick interval.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithBatchSize caps how many expired escrows one run processes.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithConcurrency caps in-flight refunds per run.
func (s *Sweeper) WithConcurrency(n int) *Sweeper {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.ProcessTimeouts(ctx, s.service.now()); err != nil {
		s.logger.Warn("escrow sweep failed", "error", err)
	}
}

// ProcessTimeouts refunds every eligible escrow whose expiry is before now
// and returns how many it moved to TIMEOUT_REFUND. A failure on one record
// never stops the others, and re-running with the same now is a no-op for
// records already refunded.
func (s *Sweeper) ProcessTimeouts(ctx context.Context, now time.Time) (int, error) {
	metrics.EscrowSweepRunsTotal.Inc()

	expired, err := s.store.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired escrows: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var refunded atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, e := range expired {
		e := e
		g.Go(func() error {
			s.refundOne(ctx, e, now, &refunded)
			return nil
		})
	}
	_ = g.Wait()

	n := int(refunded.Load())
	if n > 0 {
		s.logger.Info("escrow sweep complete", "expired", len(expired), "refunded", n)
	}
	return n, nil
}

func (s *Sweeper) refundOne(ctx context.Context, e *Escrow, now time.Time, refunded *atomic.Int64) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EscrowSweepFailuresTotal.Inc()
			s.logger.Error("panic refunding expired escrow", "escrowId", e.ID, "panic", fmt.Sprint(r))
		}
	}()

	if _, err := s.service.Timeout(ctx, e.ID, now); err != nil {
		// Lost the race to a human action or another sweeper.
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Debug("expired escrow no longer eligible", "escrowId", e.ID, "error", err)
			return
		}
		metrics.EscrowSweepFailuresTotal.Inc()
		s.logger.Warn("failed to auto-refund escrow", "escrowId", e.ID, "error", err)
		return
	}

	refunded.Add(1)
	metrics.EscrowSweepRefundsTotal.Inc()
	s.logger.Info("auto-refunded expired escrow",
		"escrowId", e.ID,
		"buyer", e.BuyerID,
		"seller", e.SellerID,
		"amount", e.Amount.String(),
	)
}
