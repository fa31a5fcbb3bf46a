package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/service/trigger"
	"github.com/google/uuid"
)

// TriggerRepository is an in-memory trigger.Repository.
type TriggerRepository struct {
	mu       sync.RWMutex
	triggers map[string]domain.Trigger
}

var _ trigger.Repository = (*TriggerRepository)(nil)

// NewTriggerRepository creates an empty trigger repository.
func NewTriggerRepository() *TriggerRepository {
	return &TriggerRepository{triggers: make(map[string]domain.Trigger)}
}

func (r *TriggerRepository) Get(_ context.Context, id string) (*domain.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[id]
	if !ok {
		return nil, trigger.ErrNotFound
	}
	out := t
	return &out, nil
}

func (r *TriggerRepository) List(_ context.Context, siteID string, f trigger.ListFilter) ([]domain.Trigger, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []domain.Trigger
	for _, t := range r.triggers {
		if t.SiteID == siteID {
			all = append(all, t)
		}
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

func (r *TriggerRepository) Create(_ context.Context, t *domain.Trigger) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	r.triggers[t.ID] = *t
	return t.ID, nil
}

func (r *TriggerRepository) Update(_ context.Context, id string, u trigger.UpdateFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.triggers[id]
	if !ok {
		return trigger.ErrNotFound
	}
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.EventType != nil {
		t.EventType = *u.EventType
	}
	if u.Conditions != nil {
		t.Conditions = *u.Conditions
	}
	if u.Template != nil {
		t.Template = *u.Template
	}
	if u.Destination != nil {
		t.Destination = *u.Destination
	}
	if u.IsActive != nil {
		t.IsActive = *u.IsActive
	}
	t.UpdatedAt = time.Now().UTC()
	r.triggers[id] = t
	return nil
}

func (r *TriggerRepository) Disable(ctx context.Context, id string) error {
	inactive := false
	return r.Update(ctx, id, trigger.UpdateFields{IsActive: &inactive})
}

func (r *TriggerRepository) FindActive(_ context.Context, siteID, eventType string) ([]domain.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Trigger
	for _, t := range r.triggers {
		if t.SiteID == siteID && t.EventType == eventType && t.IsActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
