package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/service/dispatch"
)

// AttemptRepository is an in-memory dispatch.AttemptRepository. A single
// mutex guards both the attempt map and the (event_id, trigger_id) pair
// index, so admission and state transitions are atomic the same way the
// postgres implementation's row-level guarantees make them.
type AttemptRepository struct {
	mu       sync.Mutex
	attempts map[string]domain.DispatchAttempt
	pairs    map[string]string // event_id|trigger_id -> attempt id, non-suppressed only
}

var _ dispatch.AttemptRepository = (*AttemptRepository)(nil)

// NewAttemptRepository creates an empty attempt repository.
func NewAttemptRepository() *AttemptRepository {
	return &AttemptRepository{
		attempts: make(map[string]domain.DispatchAttempt),
		pairs:    make(map[string]string),
	}
}

func pairKey(eventID, triggerID string) string {
	return eventID + "|" + triggerID
}

func (r *AttemptRepository) AdmitPending(_ context.Context, a *domain.DispatchAttempt) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(a.EventID, a.TriggerID)
	if _, exists := r.pairs[key]; exists {
		return false, nil
	}
	cp := *a
	cp.State = domain.StatePending
	r.attempts[cp.ID] = cp
	r.pairs[key] = cp.ID
	return true, nil
}

func (r *AttemptRepository) RecordSuppressed(_ context.Context, a *domain.DispatchAttempt, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *a
	cp.State = domain.StateSuppressed
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]string, 1)
	}
	cp.Metadata["suppression_reason"] = reason
	cp.UpdatedAt = time.Now().UTC()
	r.attempts[cp.ID] = cp
	return nil
}

func (r *AttemptRepository) HasRecentAttempt(_ context.Context, triggerID, fingerprint string, since time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.attempts {
		if a.TriggerID == triggerID && a.Fingerprint == fingerprint &&
			a.State != domain.StateSuppressed && a.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *AttemptRepository) SetRendered(_ context.Context, id, rendered string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return dispatch.ErrNotFound
	}
	a.RenderedMessage = rendered
	a.Metadata = metadata
	a.UpdatedAt = time.Now().UTC()
	r.attempts[id] = a
	return nil
}

func (r *AttemptRepository) MarkQueued(_ context.Context, id string) (bool, error) {
	return r.transition(id, domain.StatePending, func(a *domain.DispatchAttempt) {
		a.State = domain.StateQueued
	})
}

func (r *AttemptRepository) MarkSent(_ context.Context, id, providerMessageID string) (bool, error) {
	return r.transition(id, domain.StateQueued, func(a *domain.DispatchAttempt) {
		a.State = domain.StateSent
		a.ProviderMessageID = providerMessageID
		a.AttemptCount++
		a.NextRetryAt = nil
	})
}

func (r *AttemptRepository) MarkDelivered(_ context.Context, id string) (bool, error) {
	return r.transition(id, domain.StateSent, func(a *domain.DispatchAttempt) {
		a.State = domain.StateDelivered
		a.NextRetryAt = nil
	})
}

func (r *AttemptRepository) MarkFailed(_ context.Context, id string, from domain.AttemptState, errMsg string, nextRetryAt *time.Time, countAttempt bool) (bool, error) {
	return r.transition(id, from, func(a *domain.DispatchAttempt) {
		a.State = domain.StateFailed
		a.LastError = errMsg
		a.NextRetryAt = nextRetryAt
		if countAttempt {
			a.AttemptCount++
		}
	})
}

func (r *AttemptRepository) transition(id string, from domain.AttemptState, apply func(*domain.DispatchAttempt)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return false, dispatch.ErrNotFound
	}
	if a.State != from {
		return false, nil
	}
	apply(&a)
	a.UpdatedAt = time.Now().UTC()
	r.attempts[id] = a
	return true, nil
}

func (r *AttemptRepository) Get(_ context.Context, id string) (*domain.DispatchAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	out := a
	return &out, nil
}

func (r *AttemptRepository) List(_ context.Context, f dispatch.ListFilter) ([]domain.DispatchAttempt, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []domain.DispatchAttempt
	for _, a := range r.attempts {
		if f.SiteID != "" && a.SiteID != f.SiteID {
			continue
		}
		if f.Status != "" && string(a.State) != f.Status {
			continue
		}
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	all = page(all, f.Offset, f.Limit)
	return all, total, nil
}

func (r *AttemptRepository) ClaimDueRetries(_ context.Context, now time.Time, limit int) ([]domain.DispatchAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []domain.DispatchAttempt
	for _, a := range r.attempts {
		if a.State == domain.StateFailed && a.NextRetryAt != nil && !a.NextRetryAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}

	for i := range due {
		a := due[i]
		a.State = domain.StatePending
		a.NextRetryAt = nil
		a.UpdatedAt = time.Now().UTC()
		r.attempts[a.ID] = a
		due[i] = a
	}
	return due, nil
}

func (r *AttemptRepository) RequeueStale(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	moved := 0
	now := time.Now().UTC()
	for id, a := range r.attempts {
		if a.State != domain.StateQueued || !a.UpdatedAt.Before(cutoff) {
			continue
		}
		retryAt := now
		a.State = domain.StateFailed
		a.LastError = "requeued after worker interruption"
		a.NextRetryAt = &retryAt
		a.UpdatedAt = now
		r.attempts[id] = a
		moved++
	}
	return moved, nil
}
