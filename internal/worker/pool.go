package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/pkg/logger"
	"github.com/alertstream/engine/internal/provider"
)

// Dispatcher is the slice of the dispatch service a pool needs to record
// send outcomes.
type Dispatcher interface {
	HandleSendSuccess(ctx context.Context, a *domain.DispatchAttempt, providerMessageID string)
	HandleSendFailure(ctx context.Context, a *domain.DispatchAttempt, errMsg string)
}

// Stats counts pool outcomes. Safe for concurrent use.
type Stats struct {
	processed atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of pool counters.
type StatsSnapshot struct {
	Processed int64 `json:"processed"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Processed: s.processed.Load(),
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
	}
}

// Pool drains one channel queue with a fixed number of workers, calling
// the channel's provider under a per-call timeout and reporting every
// outcome back through the dispatcher.
type Pool struct {
	queue       *Queue
	provider    provider.Provider
	dispatcher  Dispatcher
	concurrency int
	callTimeout time.Duration
	stats       Stats
	wg          sync.WaitGroup
}

// NewPool creates a worker pool for a channel queue.
func NewPool(queue *Queue, prov provider.Provider, dispatcher Dispatcher, concurrency int, callTimeout time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		queue:       queue,
		provider:    prov,
		dispatcher:  dispatcher,
		concurrency: concurrency,
		callTimeout: callTimeout,
	}
}

// Start launches the workers. They exit when ctx is cancelled; anything
// still sitting in the queue stays in queued state and is picked up by
// boot recovery on the next start.
func (p *Pool) Start(ctx context.Context) {
	logger.Info("worker pool starting", "channel", p.queue.Channel(), "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
	logger.Info("worker pool stopped", "channel", p.queue.Channel())
}

// StatsSnapshot returns the pool's outcome counters.
func (p *Pool) StatsSnapshot() StatsSnapshot {
	return p.stats.Snapshot()
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-p.queue.C():
			p.process(ctx, a)
		}
	}
}

func (p *Pool) process(ctx context.Context, a *domain.DispatchAttempt) {
	p.stats.processed.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	providerMessageID, err := p.provider.Send(callCtx, a)
	cancel()

	// State writes must land even when the worker ctx is being torn down,
	// otherwise a completed provider call is lost to recovery as a phantom
	// retry.
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		p.stats.failed.Add(1)
		logger.Warn("dispatch send failed",
			"attempt_id", a.ID,
			"channel", a.Channel,
			"destination", a.Destination,
			"error", err)
		p.dispatcher.HandleSendFailure(writeCtx, a, err.Error())
		return
	}

	p.stats.sent.Add(1)
	logger.Info("dispatch sent",
		"attempt_id", a.ID,
		"channel", a.Channel,
		"provider_message_id", providerMessageID)
	p.dispatcher.HandleSendSuccess(writeCtx, a, providerMessageID)
}
