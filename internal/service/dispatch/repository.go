package dispatch

import (
	"context"
	"time"

	"github.com/alertstream/engine/internal/domain"
)

// AttemptRepository defines the persistence contract for dispatch attempts.
// All state-changing methods are compare-and-swap style: they apply only
// when the row is in the expected current state and report whether the
// transition happened, so concurrent receipt processing and retry ticks
// never lose updates.
type AttemptRepository interface {
	// AdmitPending atomically inserts the attempt in pending state unless a
	// non-suppressed attempt already exists for (event_id, trigger_id).
	// This is insert-or-fail, not insert-then-check: concurrent calls for
	// the same pair yield exactly one true.
	AdmitPending(ctx context.Context, a *domain.DispatchAttempt) (bool, error)

	// RecordSuppressed inserts a terminal suppressed attempt for audit.
	RecordSuppressed(ctx context.Context, a *domain.DispatchAttempt, reason string) error

	// HasRecentAttempt reports whether a non-suppressed attempt exists for
	// the trigger with the same event fingerprint since the given time.
	// Powers the optional time-bounded dedup window.
	HasRecentAttempt(ctx context.Context, triggerID, fingerprint string, since time.Time) (bool, error)

	// SetRendered stores the rendered message and render metadata on a
	// pending attempt.
	SetRendered(ctx context.Context, id, rendered string, metadata map[string]string) error

	// MarkQueued transitions pending -> queued (write-ahead before the
	// attempt is handed to a worker queue).
	MarkQueued(ctx context.Context, id string) (bool, error)

	// MarkSent transitions queued -> sent after the provider accepted the
	// message, recording the provider message id and consuming one
	// attempt_count.
	MarkSent(ctx context.Context, id, providerMessageID string) (bool, error)

	// MarkDelivered transitions sent -> delivered on a delivery receipt.
	MarkDelivered(ctx context.Context, id string) (bool, error)

	// MarkFailed transitions from -> failed. A non-nil nextRetryAt leaves
	// the attempt retryable; nil makes the failure terminal. countAttempt
	// increments attempt_count (a delivery try was consumed).
	MarkFailed(ctx context.Context, id string, from domain.AttemptState, errMsg string, nextRetryAt *time.Time, countAttempt bool) (bool, error)

	// Get returns a single attempt. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*domain.DispatchAttempt, error)

	// List returns attempts matching the filter, newest first, with total.
	List(ctx context.Context, f ListFilter) ([]domain.DispatchAttempt, int, error)

	// ClaimDueRetries atomically claims failed attempts whose next_retry_at
	// has passed, transitioning them failed -> pending, and returns them
	// for re-enqueue. Concurrent claimers never receive the same attempt.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DispatchAttempt, error)

	// RequeueStale moves attempts stuck in queued since before cutoff
	// (orphaned by a crashed worker) to retryable failed with an immediate
	// next_retry_at, without consuming an attempt. Returns how many moved.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}

// ListFilter controls filtering and pagination for attempt history.
type ListFilter struct {
	SiteID string
	Status string
	Limit  int
	Offset int
}

// ReceiptRepository stages provider delivery receipts for audit.
type ReceiptRepository interface {
	// Record stores a receipt and whether it was applied to an attempt.
	Record(ctx context.Context, r *Receipt, applied bool) error
}

// Receipt is a provider delivery receipt correlated to an attempt.
type Receipt struct {
	AttemptID         string    `json:"attempt_id"`
	Status            string    `json:"status"` // "delivered" or "failed"
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}
