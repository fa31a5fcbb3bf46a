package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStableAcrossFieldOrder(t *testing.T) {
	a := &Event{SiteID: "s1", EventType: "order.created",
		Fields: map[string]any{"order_id": "A-1", "total": 250}}
	b := &Event{SiteID: "s1", EventType: "order.created",
		Fields: map[string]any{"total": 250, "order_id": "A-1"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintDistinguishesPayloads(t *testing.T) {
	base := &Event{SiteID: "s1", EventType: "order.created",
		Fields: map[string]any{"total": 250}}

	otherValue := &Event{SiteID: "s1", EventType: "order.created",
		Fields: map[string]any{"total": 251}}
	otherType := &Event{SiteID: "s1", EventType: "order.refunded",
		Fields: map[string]any{"total": 250}}
	otherSite := &Event{SiteID: "s2", EventType: "order.created",
		Fields: map[string]any{"total": 250}}

	assert.NotEqual(t, base.Fingerprint(), otherValue.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), otherType.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), otherSite.Fingerprint())
}

func TestFingerprintIgnoresEventIdentity(t *testing.T) {
	// Distinct submissions of the same payload share a fingerprint; that is
	// what the dedup window keys on.
	a := &Event{ID: "evt-1", SiteID: "s1", EventType: "order.created",
		Fields: map[string]any{"total": 250}}
	b := &Event{ID: "evt-2", SiteID: "s1", EventType: "order.created",
		Fields: map[string]any{"total": 250}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}
