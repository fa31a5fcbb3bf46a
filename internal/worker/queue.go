// Package worker runs the per-channel delivery machinery: bounded queues,
// worker pools draining them into provider clients, the retry scheduler,
// and boot-time recovery of orphaned attempts.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/service/dispatch"
)

// Queue is a bounded in-memory queue for one delivery channel. Enqueue
// blocks up to the enqueue timeout under backpressure, then reports
// dispatch.ErrQueueFull so the attempt flows into the retry path instead
// of being dropped.
type Queue struct {
	channel        domain.ChannelType
	ch             chan *domain.DispatchAttempt
	enqueueTimeout time.Duration
}

// NewQueue creates a bounded queue for a channel.
func NewQueue(channel domain.ChannelType, capacity int, enqueueTimeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		channel:        channel,
		ch:             make(chan *domain.DispatchAttempt, capacity),
		enqueueTimeout: enqueueTimeout,
	}
}

// Enqueue adds the attempt, waiting up to the enqueue timeout for space.
func (q *Queue) Enqueue(ctx context.Context, a *domain.DispatchAttempt) error {
	select {
	case q.ch <- a:
		return nil
	default:
	}

	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()

	select {
	case q.ch <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return dispatch.ErrQueueFull
	}
}

// C exposes the receive side for worker pools.
func (q *Queue) C() <-chan *domain.DispatchAttempt {
	return q.ch
}

// Depth returns the number of attempts currently waiting.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Channel returns the delivery channel this queue serves.
func (q *Queue) Channel() domain.ChannelType {
	return q.channel
}

// Router owns one queue per channel and implements dispatch.Enqueuer by
// routing attempts on their channel.
type Router struct {
	queues map[domain.ChannelType]*Queue
}

var _ dispatch.Enqueuer = (*Router)(nil)

// NewRouter creates the per-channel queues from dispatch config.
func NewRouter(cfg config.DispatchConfig) *Router {
	timeout := cfg.EnqueueTimeout()
	return &Router{
		queues: map[domain.ChannelType]*Queue{
			domain.ChannelSMS:     NewQueue(domain.ChannelSMS, cfg.QueueCapacity, timeout),
			domain.ChannelWebhook: NewQueue(domain.ChannelWebhook, cfg.QueueCapacity, timeout),
			domain.ChannelEmail:   NewQueue(domain.ChannelEmail, cfg.QueueCapacity, timeout),
		},
	}
}

// Enqueue routes the attempt to its channel queue.
func (r *Router) Enqueue(ctx context.Context, a *domain.DispatchAttempt) error {
	q, ok := r.queues[a.Channel]
	if !ok {
		return fmt.Errorf("no queue for channel %q", a.Channel)
	}
	return q.Enqueue(ctx, a)
}

// Queue returns the queue serving a channel, or nil if none.
func (r *Router) Queue(channel domain.ChannelType) *Queue {
	return r.queues[channel]
}

// Depths returns the current depth of every queue, keyed by channel name.
func (r *Router) Depths() map[string]int {
	out := make(map[string]int, len(r.queues))
	for ch, q := range r.queues {
		out[string(ch)] = q.Depth()
	}
	return out
}
