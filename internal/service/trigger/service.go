package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/alertstream/engine/internal/domain"
	"github.com/google/uuid"
)

// Service implements trigger business logic over the repository.
type Service struct {
	repo Repository
}

// NewService creates a trigger service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateInput holds the fields for a new trigger.
type CreateInput struct {
	SiteID      string             `json:"site_id"`
	Name        string             `json:"name"`
	EventType   string             `json:"event_type"`
	Conditions  []domain.Condition `json:"conditions"`
	Template    string             `json:"template"`
	Destination string             `json:"destination"`
}

// Get returns a single trigger.
func (s *Service) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	return s.repo.Get(ctx, id)
}

// List returns triggers for a site.
func (s *Service) List(ctx context.Context, siteID string, f ListFilter) ([]domain.Trigger, int, error) {
	return s.repo.List(ctx, siteID, f)
}

// Create validates and persists a new active trigger.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Trigger, error) {
	if err := validate(input.SiteID, input.Name, input.EventType, input.Destination, input.Conditions); err != nil {
		return nil, err
	}

	t := &domain.Trigger{
		ID:          uuid.New().String(),
		SiteID:      input.SiteID,
		Name:        input.Name,
		EventType:   input.EventType,
		Conditions:  input.Conditions,
		Template:    input.Template,
		Destination: input.Destination,
		IsActive:    true,
	}

	id, err := s.repo.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	t.ID = id
	return t, nil
}

// Update modifies mutable trigger fields after validating any condition set.
func (s *Service) Update(ctx context.Context, id string, u UpdateFields) error {
	if u.Conditions != nil {
		for _, c := range *u.Conditions {
			if !domain.ValidOperator(c.Operator) {
				return fmt.Errorf("%w: %q", ErrInvalidOperator, c.Operator)
			}
		}
	}
	if u.Destination != nil && strings.TrimSpace(*u.Destination) == "" {
		return fmt.Errorf("%w: destination cannot be blank", ErrValidation)
	}
	return s.repo.Update(ctx, id, u)
}

// Disable soft-disables a trigger. In-flight dispatch attempts still
// progress to a terminal state; only new admissions stop.
func (s *Service) Disable(ctx context.Context, id string) error {
	return s.repo.Disable(ctx, id)
}

// FindActive returns the stable-ordered active triggers for matching.
func (s *Service) FindActive(ctx context.Context, siteID, eventType string) ([]domain.Trigger, error) {
	return s.repo.FindActive(ctx, siteID, eventType)
}

func validate(siteID, name, eventType, destination string, conditions []domain.Condition) error {
	if strings.TrimSpace(siteID) == "" {
		return fmt.Errorf("%w: site_id is required", ErrValidation)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event_type is required", ErrValidation)
	}
	if strings.TrimSpace(destination) == "" {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	for _, c := range conditions {
		if !domain.ValidOperator(c.Operator) {
			return fmt.Errorf("%w: %q", ErrInvalidOperator, c.Operator)
		}
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: condition field is required", ErrValidation)
		}
	}
	return nil
}
