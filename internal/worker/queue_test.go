package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/service/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueAndDepth(t *testing.T) {
	q := NewQueue(domain.ChannelSMS, 2, 10*time.Millisecond)

	require.NoError(t, q.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "b"}))
	assert.Equal(t, 2, q.Depth())

	a := <-q.C()
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, 1, q.Depth())
}

func TestQueueFullAfterTimeout(t *testing.T) {
	q := NewQueue(domain.ChannelSMS, 1, 20*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "a"}))

	start := time.Now()
	err := q.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "b"})
	assert.ErrorIs(t, err, dispatch.ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "must block for the timeout before giving up")
}

func TestQueueEnqueueUnblocksWhenDrained(t *testing.T) {
	q := NewQueue(domain.ChannelSMS, 1, 500*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "a"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-q.C()
	}()

	err := q.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "b"})
	assert.NoError(t, err, "enqueue succeeds once a consumer frees a slot")
}

func TestQueueEnqueueHonorsContext(t *testing.T) {
	q := NewQueue(domain.ChannelSMS, 1, time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, &domain.DispatchAttempt{ID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouterRoutesByChannel(t *testing.T) {
	r := NewRouter(config.DispatchConfig{QueueCapacity: 4, EnqueueTimeoutSeconds: 1})

	require.NoError(t, r.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "s", Channel: domain.ChannelSMS}))
	require.NoError(t, r.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "w", Channel: domain.ChannelWebhook}))
	require.NoError(t, r.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "e", Channel: domain.ChannelEmail}))

	assert.Equal(t, 1, r.Queue(domain.ChannelSMS).Depth())
	assert.Equal(t, 1, r.Queue(domain.ChannelWebhook).Depth())
	assert.Equal(t, 1, r.Queue(domain.ChannelEmail).Depth())

	depths := r.Depths()
	assert.Equal(t, map[string]int{"sms": 1, "webhook": 1, "email": 1}, depths)

	err := r.Enqueue(context.Background(), &domain.DispatchAttempt{ID: "x", Channel: "pager"})
	assert.Error(t, err)
}
