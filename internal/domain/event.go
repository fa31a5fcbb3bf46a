package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Event is the canonical form of an inbound site event. Events are immutable
// once created; the normalizer assigns ID and OccurredAt server-side and the
// collector-supplied timestamp is never trusted for ordering.
type Event struct {
	ID         string         `json:"id"`
	SiteID     string         `json:"site_id"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Fields     map[string]any `json:"fields"`
}

// Fingerprint returns a stable hash of the event's payload, used for
// time-windowed dedup of repeat submissions. Fields are hashed in sorted
// key order so the fingerprint is independent of map iteration.
func (e *Event) Fingerprint() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", e.SiteID, e.EventType)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, e.Fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Site identifies a monitored website owned by a tenant. Quota enforcement
// keys off the owning tenant and its plan.
type Site struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Plan     string `json:"plan"`
	IsActive bool   `json:"is_active"`
}
