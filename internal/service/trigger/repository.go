package trigger

import (
	"context"

	"github.com/alertstream/engine/internal/domain"
)

// Repository defines the data access contract for triggers.
// Implementations must be safe for concurrent use, and mutations must be
// atomic and visible to subsequent reads.
type Repository interface {
	// Get returns a single trigger. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Trigger, error)

	// List returns triggers for a site, newest first, with the total count.
	List(ctx context.Context, siteID string, f ListFilter) ([]domain.Trigger, int, error)

	// Create inserts a new trigger and returns its ID.
	Create(ctx context.Context, t *domain.Trigger) (string, error)

	// Update modifies a trigger. Only non-nil fields in the update are applied.
	Update(ctx context.Context, id string, u UpdateFields) error

	// Disable soft-disables a trigger (is_active=false). The trigger row is
	// never deleted while dispatch history references it.
	Disable(ctx context.Context, id string) error

	// FindActive returns active triggers for (site_id, event_type), ordered
	// by created_at ascending with id as tiebreak for deterministic matching.
	// Returns an empty slice, not an error, when none exist.
	FindActive(ctx context.Context, siteID, eventType string) ([]domain.Trigger, error)
}

// ListFilter controls pagination for trigger lists.
type ListFilter struct {
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a trigger update.
// Nil fields are not applied.
type UpdateFields struct {
	Name        *string             `json:"name,omitempty"`
	EventType   *string             `json:"event_type,omitempty"`
	Conditions  *[]domain.Condition `json:"conditions,omitempty"`
	Template    *string             `json:"template,omitempty"`
	Destination *string             `json:"destination,omitempty"`
	IsActive    *bool               `json:"is_active,omitempty"`
}
