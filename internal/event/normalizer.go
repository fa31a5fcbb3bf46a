// Package event validates and canonicalizes inbound raw events from
// heterogeneous collectors (website SDK, browser extension, webhook ingest)
// into the single Event type the matching pipeline consumes.
package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alertstream/engine/internal/domain"
	"github.com/google/uuid"
)

// Sentinel errors for event normalization. Both map to 4xx responses and
// are never retried.
var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrUnknownSite  = errors.New("unknown site")
)

// SiteResolver resolves a site_id to its owning site record.
type SiteResolver interface {
	// Resolve returns the site for the given id, or ErrUnknownSite if the
	// id does not map to an active site.
	Resolve(ctx context.Context, siteID string) (*domain.Site, error)
}

// RawEvent is a source-specific payload as received from a collector.
// OccurredAt is advisory only: the normalizer always stamps server time.
type RawEvent struct {
	SiteID     string         `json:"site_id"`
	EventType  string         `json:"event_type"`
	Fields     map[string]any `json:"fields"`
	OccurredAt string         `json:"occurred_at,omitempty"`
}

// Normalizer turns raw collector payloads into canonical Events.
type Normalizer struct {
	sites SiteResolver
}

// NewNormalizer creates a normalizer backed by the given site resolver.
func NewNormalizer(sites SiteResolver) *Normalizer {
	return &Normalizer{sites: sites}
}

// Normalize validates the raw payload and returns a canonical Event with a
// fresh UUID and server-side occurred_at. It returns ErrInvalidEvent for
// missing/empty required fields and ErrUnknownSite when the site_id does
// not resolve.
func (n *Normalizer) Normalize(ctx context.Context, raw RawEvent) (*domain.Event, *domain.Site, error) {
	siteID := strings.TrimSpace(raw.SiteID)
	if siteID == "" {
		return nil, nil, fmt.Errorf("%w: site_id is required", ErrInvalidEvent)
	}
	eventType := strings.TrimSpace(raw.EventType)
	if eventType == "" {
		return nil, nil, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if len(raw.Fields) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one data field is required", ErrInvalidEvent)
	}
	for k := range raw.Fields {
		if strings.TrimSpace(k) == "" {
			return nil, nil, fmt.Errorf("%w: field names must be non-empty", ErrInvalidEvent)
		}
	}

	site, err := n.sites.Resolve(ctx, siteID)
	if err != nil {
		if errors.Is(err, ErrUnknownSite) {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSite, siteID)
		}
		return nil, nil, fmt.Errorf("resolve site: %w", err)
	}

	return &domain.Event{
		ID:         uuid.New().String(),
		SiteID:     site.ID,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Fields:     raw.Fields,
	}, site, nil
}
