package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/quota"
	"github.com/alertstream/engine/internal/repository/memory"
	"github.com/alertstream/engine/internal/service/dispatch"
	"github.com/alertstream/engine/internal/template"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureQueue struct {
	mu       sync.Mutex
	attempts []*domain.DispatchAttempt
	err      error
}

func (q *captureQueue) Enqueue(_ context.Context, a *domain.DispatchAttempt) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.attempts = append(q.attempts, a)
	q.mu.Unlock()
	return nil
}

type denyLimiter struct {
	reason string
}

func (l denyLimiter) CheckAndReserve(context.Context, string, int64, string) (quota.Decision, error) {
	return quota.Decision{Allowed: false, Reason: l.reason}, nil
}

type errorLimiter struct{}

func (errorLimiter) CheckAndReserve(context.Context, string, int64, string) (quota.Decision, error) {
	return quota.Decision{}, errors.New("quota store unavailable")
}

type fixture struct {
	svc      *dispatch.Service
	triggers *memory.TriggerRepository
	attempts *memory.AttemptRepository
	receipts *memory.ReceiptLog
	queue    *captureQueue
	site     *domain.Site
}

type fixtureOpt func(*fixtureConfig)

type fixtureConfig struct {
	limiter     quota.Limiter
	queueErr    error
	dedupWindow time.Duration
	maxAttempts int
}

func withLimiter(l quota.Limiter) fixtureOpt {
	return func(c *fixtureConfig) { c.limiter = l }
}

func withQueueErr(err error) fixtureOpt {
	return func(c *fixtureConfig) { c.queueErr = err }
}

func withDedupWindow(d time.Duration) fixtureOpt {
	return func(c *fixtureConfig) { c.dedupWindow = d }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()

	fc := fixtureConfig{limiter: quota.AllowAll{}, maxAttempts: 3}
	for _, opt := range opts {
		opt(&fc)
	}

	f := &fixture{
		triggers: memory.NewTriggerRepository(),
		attempts: memory.NewAttemptRepository(),
		receipts: memory.NewReceiptLog(),
		queue:    &captureQueue{err: fc.queueErr},
		site: &domain.Site{
			ID:       "site-1",
			TenantID: "tenant-1",
			Name:     "Main Store",
			Plan:     "free",
			IsActive: true,
		},
	}
	f.svc = dispatch.NewService(
		f.triggers,
		f.attempts,
		f.receipts,
		template.NewRenderer(),
		fc.limiter,
		f.queue,
		config.QuotaConfig{DefaultMonthlyLimit: 500},
		fc.dedupWindow,
		fc.maxAttempts,
	)
	return f
}

func (f *fixture) addTrigger(t *testing.T, tr domain.Trigger) string {
	t.Helper()
	if tr.SiteID == "" {
		tr.SiteID = f.site.ID
	}
	tr.IsActive = true
	id, err := f.triggers.Create(context.Background(), &tr)
	require.NoError(t, err)
	return id
}

func testEvent(fields map[string]any) *domain.Event {
	return &domain.Event{
		ID:         uuid.New().String(),
		SiteID:     "site-1",
		EventType:  "order.created",
		OccurredAt: time.Now().UTC(),
		Fields:     fields,
	}
}

func TestProcessEventMatchesAndQueues(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name:      "big orders",
		EventType: "order.created",
		Conditions: []domain.Condition{
			{Field: "total", Operator: domain.OpGreaterThan, Value: "100"},
		},
		Template:    "Order {{ order_id }} for ${{ total }}",
		Destination: "+15551234567",
	})

	event := testEvent(map[string]any{"order_id": "A-100", "total": 250})
	admitted, err := f.svc.ProcessEvent(context.Background(), event, f.site)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	require.Len(t, f.queue.attempts, 1)

	a := admitted[0]
	assert.Equal(t, domain.StateQueued, a.State)
	assert.Equal(t, domain.ChannelSMS, a.Channel)
	assert.Equal(t, "Order A-100 for $250", a.RenderedMessage)
	assert.Equal(t, "tenant-1", a.TenantID)

	stored, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, stored.State)
	assert.Equal(t, a.RenderedMessage, stored.RenderedMessage)
}

func TestProcessEventNonMatchingConditions(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name:      "big orders",
		EventType: "order.created",
		Conditions: []domain.Condition{
			{Field: "total", Operator: domain.OpGreaterThan, Value: "100"},
		},
		Template:    "order",
		Destination: "+15551234567",
	})

	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"total": 50}), f.site)
	require.NoError(t, err)
	assert.Empty(t, admitted)
	assert.Empty(t, f.queue.attempts)
}

func TestProcessEventFansOutPerTrigger(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t1", Destination: "+15551234567",
	})
	f.addTrigger(t, domain.Trigger{
		Name: "hook", EventType: "order.created",
		Template: "t2", Destination: "https://ops.example.com/hook",
	})

	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"total": 1}), f.site)
	require.NoError(t, err)
	require.Len(t, admitted, 2)
	channels := map[domain.ChannelType]bool{}
	for _, a := range admitted {
		channels[a.Channel] = true
	}
	assert.True(t, channels[domain.ChannelSMS])
	assert.True(t, channels[domain.ChannelWebhook])
}

func TestProcessEventDedupesSameEventTriggerPair(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	event := testEvent(map[string]any{"total": 1})
	first, err := f.svc.ProcessEvent(context.Background(), event, f.site)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Replay of the same normalized event admits nothing new.
	second, err := f.svc.ProcessEvent(context.Background(), event, f.site)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, f.queue.attempts, 1)

	// The replay leaves a suppressed audit row behind.
	suppressed, _, err := f.svc.List(context.Background(), dispatch.ListFilter{Status: "suppressed"})
	require.NoError(t, err)
	assert.Len(t, suppressed, 1)
}

func TestProcessEventConcurrentDedupSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	const n = 32
	event := testEvent(map[string]any{"total": 1})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var admittedTotal int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := f.svc.ProcessEvent(context.Background(), event, f.site)
			assert.NoError(t, err)
			mu.Lock()
			admittedTotal += len(admitted)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Exactly one admission wins the insert-or-fail race; every loser
	// leaves a suppressed audit row.
	assert.Equal(t, 1, admittedTotal)
	assert.Len(t, f.queue.attempts, 1)

	suppressed, total, err := f.svc.List(context.Background(), dispatch.ListFilter{Status: "suppressed", Limit: n})
	require.NoError(t, err)
	assert.Equal(t, n-1, total)
	assert.Len(t, suppressed, n-1)
}

func TestProcessEventDedupWindowSuppressesRepeatFingerprint(t *testing.T) {
	f := newFixture(t, withDedupWindow(10*time.Minute))
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	fields := map[string]any{"order_id": "A-1", "total": 9}
	first, err := f.svc.ProcessEvent(context.Background(), testEvent(fields), f.site)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A distinct event id but identical payload lands inside the window.
	second, err := f.svc.ProcessEvent(context.Background(), testEvent(fields), f.site)
	require.NoError(t, err)
	assert.Empty(t, second)

	// A different payload is not suppressed.
	third, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"order_id": "A-2", "total": 9}), f.site)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

// staleStore returns the trigger from FindActive but disables it between
// match and admission, modeling a concurrent disable.
type staleStore struct {
	dispatch.TriggerStore
	repo      *memory.TriggerRepository
	disableID string
}

func (s *staleStore) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	if id == s.disableID {
		if err := s.repo.Disable(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.TriggerStore.Get(ctx, id)
}

func TestProcessEventSkipsTriggerDisabledAtAdmission(t *testing.T) {
	f := newFixture(t)
	id := f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	svc := dispatch.NewService(
		&staleStore{TriggerStore: f.triggers, repo: f.triggers, disableID: id},
		f.attempts,
		f.receipts,
		template.NewRenderer(),
		quota.AllowAll{},
		f.queue,
		config.QuotaConfig{DefaultMonthlyLimit: 500},
		0,
		3,
	)

	admitted, err := svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	assert.Empty(t, admitted, "disable between match and admission stops the dispatch")
	assert.Empty(t, f.queue.attempts)
}

func TestProcessEventQuotaDenialIsTerminal(t *testing.T) {
	f := newFixture(t, withLimiter(denyLimiter{reason: quota.ReasonMonthlyQuota}))
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	assert.Empty(t, f.queue.attempts, "denied attempt must not reach a worker queue")

	a, err := f.svc.Get(context.Background(), admitted[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, a.State)
	assert.Equal(t, quota.ReasonMonthlyQuota, a.LastError)
	assert.Nil(t, a.NextRetryAt, "quota denial is not retryable")
	assert.Zero(t, a.AttemptCount, "no delivery try was consumed")
}

func TestProcessEventLimiterErrorFailsOpen(t *testing.T) {
	// A broken quota store allows the send rather than manufacturing a
	// reason-less terminal failure.
	f := newFixture(t, withLimiter(errorLimiter{}))
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	require.Len(t, f.queue.attempts, 1)

	a, err := f.svc.Get(context.Background(), admitted[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, a.State)
	assert.Empty(t, a.LastError)
}

func TestProcessEventQueueFullFailsRetryable(t *testing.T) {
	f := newFixture(t, withQueueErr(dispatch.ErrQueueFull))
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	require.Len(t, admitted, 1)

	a, err := f.svc.Get(context.Background(), admitted[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, a.State)
	assert.Equal(t, "dispatch queue full", a.LastError)
	require.NotNil(t, a.NextRetryAt, "queue-full failure stays retryable")
	assert.Equal(t, 1, a.AttemptCount)
}

func TestProcessEventRenderWarningsRecorded(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "Order {{ order_id }} by {{ customer }}", Destination: "+15551234567",
	})

	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"order_id": "A-1"}), f.site)
	require.NoError(t, err)
	require.Len(t, admitted, 1)

	a, err := f.svc.Get(context.Background(), admitted[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, a.State, "render warnings never fail the attempt")
	assert.Contains(t, a.Metadata["render_warnings"], "customer")
}

func TestHandleSendFailureBackoffThenTerminal(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})

	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	a := admitted[0]

	ctx := context.Background()

	// Try 1 fails: retryable with ~1s backoff.
	f.svc.HandleSendFailure(ctx, a, "provider timeout")
	require.NotNil(t, a.NextRetryAt)
	assert.Equal(t, 1, a.AttemptCount)

	// Claim with a far-future clock so backoff has "elapsed", then re-run
	// tries 2 and 3.
	future := time.Now().Add(time.Hour)
	for try := 2; try <= 3; try++ {
		due, err := f.attempts.ClaimDueRetries(ctx, future, 10)
		require.NoError(t, err)
		require.Len(t, due, 1, "try %d should be claimed", try)
		f.svc.EnqueueAttempt(ctx, &due[0])

		cur, err := f.svc.Get(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StateQueued, cur.State)
		f.svc.HandleSendFailure(ctx, cur, "provider timeout")

		cur, err = f.svc.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, try, cur.AttemptCount)
		if try < 3 {
			assert.NotNil(t, cur.NextRetryAt)
		} else {
			assert.Nil(t, cur.NextRetryAt, "budget exhausted after max attempts")
		}
	}

	// Terminal failed attempts are never claimed again, even far ahead.
	due, err := f.attempts.ClaimDueRetries(ctx, future, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	final, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, final.State)
	assert.Equal(t, "provider timeout", final.LastError)
}

func TestApplyReceiptDelivered(t *testing.T) {
	f := newFixture(t)
	a := sentAttempt(t, f)

	applied, err := f.svc.ApplyReceipt(context.Background(), dispatch.Receipt{
		AttemptID:  a.ID,
		Status:     "delivered",
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	cur, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDelivered, cur.State)

	entries := f.receipts.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Applied)
}

func TestApplyReceiptFailedIsTerminal(t *testing.T) {
	f := newFixture(t)
	a := sentAttempt(t, f)

	applied, err := f.svc.ApplyReceipt(context.Background(), dispatch.Receipt{
		AttemptID: a.ID,
		Status:    "failed",
		Error:     "invalid destination number",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	cur, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, cur.State)
	assert.Equal(t, "invalid destination number", cur.LastError)
	assert.Nil(t, cur.NextRetryAt, "receipt-reported failure has no retry")
}

func TestApplyReceiptIgnoredForNonSentAttempt(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})
	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	a := admitted[0] // queued, never sent

	applied, err := f.svc.ApplyReceipt(context.Background(), dispatch.Receipt{
		AttemptID: a.ID,
		Status:    "delivered",
	})
	require.NoError(t, err)
	assert.False(t, applied)

	cur, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, cur.State, "ignored receipt leaves state untouched")

	entries := f.receipts.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Applied, "ignored receipts are still staged for audit")
}

func TestApplyReceiptUnknownAttempt(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ApplyReceipt(context.Background(), dispatch.Receipt{
		AttemptID: uuid.New().String(),
		Status:    "delivered",
	})
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestApplyReceiptUnknownStatus(t *testing.T) {
	f := newFixture(t)
	a := sentAttempt(t, f)

	_, err := f.svc.ApplyReceipt(context.Background(), dispatch.Receipt{
		AttemptID: a.ID,
		Status:    "bounced",
	})
	assert.Error(t, err)
}

func TestRecoverStaleRequeuesOrphanedAttempts(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})
	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	a := admitted[0]

	// Anything queued before now is considered orphaned at cutoff zero.
	moved, err := f.svc.RecoverStale(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	cur, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, cur.State)
	require.NotNil(t, cur.NextRetryAt)
	assert.Zero(t, cur.AttemptCount, "recovery consumes no delivery try")

	// The recovered attempt flows back through the normal retry path.
	n, err := f.svc.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err = f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, cur.State)
}

func sentAttempt(t *testing.T, f *fixture) *domain.DispatchAttempt {
	t.Helper()
	f.addTrigger(t, domain.Trigger{
		Name: "sms", EventType: "order.created",
		Template: "t", Destination: "+15551234567",
	})
	admitted, err := f.svc.ProcessEvent(context.Background(), testEvent(map[string]any{"x": 1}), f.site)
	require.NoError(t, err)
	require.Len(t, admitted, 1)

	a := admitted[0]
	f.svc.HandleSendSuccess(context.Background(), a, "prov-msg-1")
	require.Equal(t, domain.StateSent, a.State)
	return a
}
