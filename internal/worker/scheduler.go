package worker

import (
	"context"
	"time"

	"github.com/alertstream/engine/internal/pkg/distlock"
	"github.com/alertstream/engine/internal/pkg/logger"
)

// retryBatchSize bounds how many due retries one sweep claims.
const retryBatchSize = 100

// Retrier is the slice of the dispatch service the scheduler drives.
type Retrier interface {
	RetryDue(ctx context.Context, limit int) (int, error)
	RecoverStale(ctx context.Context, stale time.Duration) (int, error)
}

// RetryScheduler periodically claims failed attempts whose backoff has
// elapsed and re-enqueues them. A distributed lock keeps sweeps single-flight
// across hosts; the claim query is itself race-safe, so the lock only avoids
// wasted work.
type RetryScheduler struct {
	svc  Retrier
	lock distlock.DistLock
	tick time.Duration
}

// NewRetryScheduler creates a retry scheduler.
func NewRetryScheduler(svc Retrier, lock distlock.DistLock, tick time.Duration) *RetryScheduler {
	return &RetryScheduler{svc: svc, lock: lock, tick: tick}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *RetryScheduler) Run(ctx context.Context) {
	logger.Info("retry scheduler starting", "tick", s.tick.String())
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RetryScheduler) sweep(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("retry lock acquire failed, sweeping anyway", "error", err)
		} else if !acquired {
			return
		} else {
			defer func() {
				if err := s.lock.Release(ctx); err != nil {
					logger.Warn("retry lock release failed", "error", err)
				}
			}()
		}
	}

	// Drain everything currently due, in batches.
	for {
		n, err := s.svc.RetryDue(ctx, retryBatchSize)
		if err != nil {
			logger.Error("retry sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("retries re-enqueued", "count", n)
		}
		if n < retryBatchSize {
			return
		}
	}
}

// RecoverOnBoot requeues attempts orphaned in queued state by a previous
// process. Run once before pools start accepting work.
func RecoverOnBoot(ctx context.Context, svc Retrier, stale time.Duration) {
	moved, err := svc.RecoverStale(ctx, stale)
	if err != nil {
		logger.Error("boot recovery failed", "error", err)
		return
	}
	if moved > 0 {
		logger.Info("recovered orphaned attempts", "count", moved)
	}
}
