package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer gets no interval.
const DefaultInterval = 5 * time.Minute

// Timer runs the audit when started and then once per interval, counted
// from the end of the previous run so slow audits never overlap.
type Timer struct {
	auditor  *Auditor
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool

	running atomic.Bool
	runs    atomic.Int64
}

// NewTimer creates a timer. A non-positive interval means DefaultInterval.
func NewTimer(auditor *Auditor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{auditor: auditor, interval: interval, logger: logger}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool { return t.running.Load() }

// Runs counts completed audit attempts, failed ones included.
func (t *Timer) Runs() int64 { return t.runs.Load() }

// Start blocks until ctx ends or Stop is called. A Stop that comes first
// makes Start return immediately.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.running.Store(true)
	defer t.running.Store(false)

	wait := time.NewTimer(0)
	defer wait.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
			t.audit(ctx)
			wait.Reset(t.interval)
		}
	}
}

// Stop ends the loop and cancels an audit in progress. Safe to call more
// than once.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Timer) audit(ctx context.Context) {
	defer t.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation audit panicked", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.auditor.Run(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		t.logger.Warn("reconciliation audit failed", "error", err)
	case err == nil && report.Count > 0:
		t.logger.Warn("reconciliation audit found unsettled escrows",
			"count", report.Count, "truncated", report.Truncated)
	}
}
