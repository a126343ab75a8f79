// Package jobs holds the server's background jobs.
//
// index_reconciler.go implements the IndexReconciler, which periodically restores monthly
// index entries for completed records whose index update failed at completion time.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/audit-platform/audit-platform/internal/config"
)

// Reconciler is the part of audits.Service the job drives
type Reconciler interface {
	ReconcileIndex(ctx context.Context, lookbackMonths int) (int, error)
}

// IndexReconciler runs the reconciliation sweep on a fixed interval
type IndexReconciler struct {
	reconciler     Reconciler
	interval       time.Duration
	lookbackMonths int
	stopChan       chan struct{}
	stopOnce       sync.Once

	mu      sync.Mutex
	lastRun RunResult
}

// RunResult describes the most recent sweep
type RunResult struct {
	At       time.Time
	Repaired int
	Err      error
}

// NewIndexReconciler creates the job from jobs.reconcile settings
func NewIndexReconciler(r Reconciler, cfg *config.ReconcileConfig) *IndexReconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	lookback := cfg.LookbackMonths
	if lookback <= 0 {
		lookback = 2
	}

	return &IndexReconciler{
		reconciler:     r,
		interval:       interval,
		lookbackMonths: lookback,
		stopChan:       make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until Stop or ctx is done.
// It blocks; call it in its own goroutine.
func (j *IndexReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("index reconciler started", "interval", j.interval, "lookback_months", j.lookbackMonths)

	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopChan:
			slog.Info("index reconciler stopped")
			return
		case <-ctx.Done():
			slog.Info("index reconciler context cancelled")
			return
		}
	}
}

// Stop ends Start. Safe to call more than once.
func (j *IndexReconciler) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

// RunOnce performs a single sweep and records its outcome
func (j *IndexReconciler) RunOnce(ctx context.Context) RunResult {
	start := time.Now()
	repaired, err := j.reconciler.ReconcileIndex(ctx, j.lookbackMonths)

	res := RunResult{At: start.UTC(), Repaired: repaired, Err: err}
	j.mu.Lock()
	j.lastRun = res
	j.mu.Unlock()

	if err != nil {
		slog.Warn("index reconciliation finished with errors",
			"repaired", repaired, "duration", time.Since(start), "error", err)
		return res
	}
	if repaired > 0 {
		slog.Info("index reconciliation repaired entries", "repaired", repaired, "duration", time.Since(start))
	} else {
		slog.Debug("index reconciliation found nothing to repair", "duration", time.Since(start))
	}
	return res
}

// LastRun returns the outcome of the latest sweep (zero value before the first)
func (j *IndexReconciler) LastRun() RunResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}
