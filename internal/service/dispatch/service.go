package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/pkg/logger"
	"github.com/alertstream/engine/internal/quota"
	"github.com/alertstream/engine/internal/rules"
	"github.com/alertstream/engine/internal/template"
	"github.com/google/uuid"
)

// TriggerStore is the rule store surface the pipeline needs.
type TriggerStore interface {
	// FindActive returns active triggers for (site_id, event_type) in
	// stable matching order.
	FindActive(ctx context.Context, siteID, eventType string) ([]domain.Trigger, error)
	// Get returns a trigger by id (for the admission-time is_active check).
	Get(ctx context.Context, id string) (*domain.Trigger, error)
}

// Enqueuer hands a queued attempt to its channel's worker queue. Blocks up
// to the configured enqueue timeout under backpressure, then returns
// ErrQueueFull.
type Enqueuer interface {
	Enqueue(ctx context.Context, a *domain.DispatchAttempt) error
}

// Service coordinates the dispatch pipeline and owns every attempt state
// transition. Construct one engine instance with injected dependencies;
// there is no process-wide singleton.
type Service struct {
	triggers    TriggerStore
	attempts    AttemptRepository
	receipts    ReceiptRepository
	renderer    *template.Renderer
	limiter     quota.Limiter
	queue       Enqueuer
	quotaCfg    config.QuotaConfig
	dedupWindow time.Duration
	maxAttempts int
}

// NewService creates the dispatch service.
func NewService(
	triggers TriggerStore,
	attempts AttemptRepository,
	receipts ReceiptRepository,
	renderer *template.Renderer,
	limiter quota.Limiter,
	queue Enqueuer,
	quotaCfg config.QuotaConfig,
	dedupWindow time.Duration,
	maxAttempts int,
) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		triggers:    triggers,
		attempts:    attempts,
		receipts:    receipts,
		renderer:    renderer,
		limiter:     limiter,
		queue:       queue,
		quotaCfg:    quotaCfg,
		dedupWindow: dedupWindow,
		maxAttempts: maxAttempts,
	}
}

// ProcessEvent fans the event out over the site's active triggers and
// returns the dispatch attempts that were admitted (including ones that
// immediately failed on quota, which stay visible in history). A trigger
// that doesn't match, or loses dedup admission, creates no non-suppressed
// attempt.
func (s *Service) ProcessEvent(ctx context.Context, event *domain.Event, site *domain.Site) ([]*domain.DispatchAttempt, error) {
	triggers, err := s.triggers.FindActive(ctx, event.SiteID, event.EventType)
	if err != nil {
		return nil, fmt.Errorf("find triggers: %w", err)
	}

	fingerprint := event.Fingerprint()
	var admitted []*domain.DispatchAttempt

	for i := range triggers {
		t := &triggers[i]
		if !rules.Matches(event, t.Conditions) {
			continue
		}

		a, ok, err := s.admit(ctx, event, t, site, fingerprint)
		if err != nil {
			logger.Error("admission failed", "event_id", event.ID, "trigger_id", t.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		s.renderAndShip(ctx, a, t, event, site)
		admitted = append(admitted, a)
	}

	return admitted, nil
}

// admit runs the dedup guard for one matched trigger. It re-checks
// is_active at admission time: disabling a trigger stops new admissions
// but never cancels attempts already in flight.
func (s *Service) admit(ctx context.Context, event *domain.Event, t *domain.Trigger, site *domain.Site, fingerprint string) (*domain.DispatchAttempt, bool, error) {
	current, err := s.triggers.Get(ctx, t.ID)
	if err != nil {
		return nil, false, fmt.Errorf("refresh trigger: %w", err)
	}
	if !current.IsActive {
		return nil, false, nil
	}

	a := newAttempt(event, t, site, fingerprint)

	// Optional time-bounded dedup on top of the permanent pair rule:
	// a repeat event (same payload fingerprint) against the same trigger
	// inside the window is suppressed.
	if s.dedupWindow > 0 {
		seen, err := s.attempts.HasRecentAttempt(ctx, t.ID, fingerprint, time.Now().Add(-s.dedupWindow))
		if err != nil {
			return nil, false, fmt.Errorf("dedup window check: %w", err)
		}
		if seen {
			if err := s.attempts.RecordSuppressed(ctx, a, "duplicate event within dedup window"); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		}
	}

	ok, err := s.attempts.AdmitPending(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("admit: %w", err)
	}
	if !ok {
		// Lost the insert-or-fail race (or a replay of the same event):
		// record a suppressed attempt for audit, not as an error.
		if err := s.attempts.RecordSuppressed(ctx, a, "duplicate dispatch for event+trigger pair"); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return a, true, nil
}

// renderAndShip renders the message, applies the quota gate, and hands the
// attempt to its channel queue. Render problems degrade, never fail the
// attempt; quota denials short-circuit to terminal failed with the reason.
func (s *Service) renderAndShip(ctx context.Context, a *domain.DispatchAttempt, t *domain.Trigger, event *domain.Event, site *domain.Site) {
	res := s.renderer.Render(t.Template, event.Fields, a.Channel)
	a.RenderedMessage = res.Output
	a.Metadata = renderMetadata(res)
	if err := s.attempts.SetRendered(ctx, a.ID, a.RenderedMessage, a.Metadata); err != nil {
		logger.Error("store rendered message", "attempt_id", a.ID, "error", err)
	}

	// Fail open on limiter errors: a broken quota store must not turn into
	// reason-less terminal failures.
	decision, err := s.limiter.CheckAndReserve(ctx, site.TenantID, s.quotaCfg.MonthlyLimit(site.Plan), a.Destination)
	if err != nil {
		logger.Warn("quota check error, allowing", "attempt_id", a.ID, "error", err)
	}
	if err == nil && !decision.Allowed {
		// Terminal denial: visible in history, no provider call, no retry.
		applied, err := s.attempts.MarkFailed(ctx, a.ID, domain.StatePending, decision.Reason, nil, false)
		if err != nil || !applied {
			logger.Error("mark quota denial", "attempt_id", a.ID, "applied", applied, "error", err)
		}
		a.State = domain.StateFailed
		a.LastError = decision.Reason
		logger.Info("dispatch denied by quota", "attempt_id", a.ID, "tenant_id", site.TenantID, "reason", decision.Reason)
		return
	}

	s.EnqueueAttempt(ctx, a)
}

// EnqueueAttempt write-ahead-marks the attempt queued, then hands it to the
// channel queue. A full queue converts to a retryable failure through the
// normal retry path so nothing is silently dropped.
func (s *Service) EnqueueAttempt(ctx context.Context, a *domain.DispatchAttempt) {
	applied, err := s.attempts.MarkQueued(ctx, a.ID)
	if err != nil {
		logger.Error("mark queued", "attempt_id", a.ID, "error", err)
		return
	}
	if !applied {
		// Someone else already moved it (e.g. a racing retry tick).
		return
	}
	a.State = domain.StateQueued

	if err := s.queue.Enqueue(ctx, a); err != nil {
		if errors.Is(err, ErrQueueFull) {
			s.HandleSendFailure(ctx, a, "dispatch queue full")
			return
		}
		logger.Error("enqueue", "attempt_id", a.ID, "error", err)
		s.HandleSendFailure(ctx, a, fmt.Sprintf("enqueue: %v", err))
	}
}

// HandleSendSuccess transitions queued -> sent after provider acceptance.
func (s *Service) HandleSendSuccess(ctx context.Context, a *domain.DispatchAttempt, providerMessageID string) {
	applied, err := s.attempts.MarkSent(ctx, a.ID, providerMessageID)
	if err != nil {
		logger.Error("mark sent", "attempt_id", a.ID, "error", err)
		return
	}
	if !applied {
		logger.Warn("stale sent transition ignored", "attempt_id", a.ID)
		return
	}
	a.State = domain.StateSent
	a.AttemptCount++
}

// HandleSendFailure consumes one attempt and transitions queued -> failed,
// retryable with backoff while the budget lasts, terminal once exhausted.
// The last provider error is kept verbatim for diagnosis.
func (s *Service) HandleSendFailure(ctx context.Context, a *domain.DispatchAttempt, errMsg string) {
	tried := a.AttemptCount + 1

	var nextRetry *time.Time
	if tried < s.maxAttempts {
		at := time.Now().Add(Backoff(tried))
		nextRetry = &at
	}

	applied, err := s.attempts.MarkFailed(ctx, a.ID, domain.StateQueued, errMsg, nextRetry, true)
	if err != nil {
		logger.Error("mark failed", "attempt_id", a.ID, "error", err)
		return
	}
	if !applied {
		logger.Warn("stale failure transition ignored", "attempt_id", a.ID)
		return
	}
	a.State = domain.StateFailed
	a.AttemptCount = tried
	a.LastError = errMsg
	a.NextRetryAt = nextRetry

	if nextRetry == nil {
		logger.Warn("dispatch exhausted retries", "attempt_id", a.ID, "attempts", tried, "last_error", errMsg)
	}
}

// ApplyReceipt applies a provider delivery receipt. Receipts only ever
// move attempts out of sent; a duplicate or late receipt is recorded,
// logged, and ignored. Returns whether a transition was applied.
func (s *Service) ApplyReceipt(ctx context.Context, r Receipt) (bool, error) {
	a, err := s.attempts.Get(ctx, r.AttemptID)
	if err != nil {
		return false, err
	}

	var applied bool
	switch r.Status {
	case "delivered":
		applied, err = s.attempts.MarkDelivered(ctx, a.ID)
	case "failed":
		// The provider gave a definitive verdict on an accepted message
		// (bad number, hard bounce): terminal, no retry.
		applied, err = s.attempts.MarkFailed(ctx, a.ID, domain.StateSent, receiptError(r), nil, false)
	default:
		return false, fmt.Errorf("unknown receipt status %q", r.Status)
	}
	if err != nil {
		return false, err
	}

	if !applied {
		logger.Info("receipt ignored for non-sent attempt", "attempt_id", a.ID, "state", a.State, "receipt_status", r.Status)
	}
	if s.receipts != nil {
		if err := s.receipts.Record(ctx, &r, applied); err != nil {
			logger.Error("record receipt", "attempt_id", a.ID, "error", err)
		}
	}
	return applied, nil
}

// RetryDue claims failed attempts whose backoff has elapsed and re-enqueues
// them. Returns how many were claimed.
func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := s.attempts.ClaimDueRetries(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}
	for i := range due {
		a := due[i]
		s.EnqueueAttempt(ctx, &a)
	}
	return len(due), nil
}

// RecoverStale moves attempts orphaned in queued (crashed worker) back
// onto the retry path. The write-ahead queued mark makes the crash
// detectable instead of silently lost.
func (s *Service) RecoverStale(ctx context.Context, stale time.Duration) (int, error) {
	return s.attempts.RequeueStale(ctx, time.Now().Add(-stale))
}

// Get returns a single attempt.
func (s *Service) Get(ctx context.Context, id string) (*domain.DispatchAttempt, error) {
	return s.attempts.Get(ctx, id)
}

// List returns attempt history.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.DispatchAttempt, int, error) {
	return s.attempts.List(ctx, f)
}

// MaxAttempts returns the configured retry budget.
func (s *Service) MaxAttempts() int { return s.maxAttempts }

func newAttempt(event *domain.Event, t *domain.Trigger, site *domain.Site, fingerprint string) *domain.DispatchAttempt {
	now := time.Now().UTC()
	return &domain.DispatchAttempt{
		ID:          uuid.New().String(),
		EventID:     event.ID,
		TriggerID:   t.ID,
		SiteID:      site.ID,
		TenantID:    site.TenantID,
		Channel:     domain.ChannelForDestination(t.Destination),
		Destination: t.Destination,
		State:       domain.StatePending,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func renderMetadata(res *template.Result) map[string]string {
	if len(res.Warnings) == 0 && !res.Truncated {
		return nil
	}
	md := make(map[string]string, 2)
	if len(res.Warnings) > 0 {
		md["render_warnings"] = strings.Join(res.Warnings, "; ")
	}
	if res.Truncated {
		md["truncated"] = "true"
	}
	return md
}

func receiptError(r Receipt) string {
	if r.Error != "" {
		return r.Error
	}
	return "provider reported delivery failure"
}
