package memory

import (
	"context"
	"sync"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/event"
)

// SiteStore is an in-memory site registry.
type SiteStore struct {
	mu    sync.RWMutex
	sites map[string]domain.Site
}

// NewSiteStore creates an empty site store.
func NewSiteStore() *SiteStore {
	return &SiteStore{sites: make(map[string]domain.Site)}
}

// Put registers or replaces a site.
func (s *SiteStore) Put(site domain.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
}

// Resolve implements event.SiteResolver. Inactive sites resolve to
// ErrUnknownSite so deactivated sites stop accepting events.
func (s *SiteStore) Resolve(_ context.Context, siteID string) (*domain.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok || !site.IsActive {
		return nil, event.ErrUnknownSite
	}
	out := site
	return &out, nil
}
