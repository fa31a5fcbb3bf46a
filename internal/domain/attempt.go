package domain

import (
	"strings"
	"time"
)

// ChannelType identifies the delivery channel for a destination.
type ChannelType string

const (
	ChannelSMS     ChannelType = "sms"
	ChannelWebhook ChannelType = "webhook"
	ChannelEmail   ChannelType = "email"
)

// ChannelForDestination routes a destination string to its channel:
// http(s) URLs go to the webhook channel, addresses containing "@" to
// email, and everything else (phone numbers) to SMS.
func ChannelForDestination(dest string) ChannelType {
	d := strings.TrimSpace(strings.ToLower(dest))
	if strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://") {
		return ChannelWebhook
	}
	if strings.Contains(d, "@") {
		return ChannelEmail
	}
	return ChannelSMS
}

// AttemptState is the delivery lifecycle state of a dispatch attempt.
type AttemptState string

const (
	StatePending    AttemptState = "pending"
	StateQueued     AttemptState = "queued"
	StateSent       AttemptState = "sent"
	StateDelivered  AttemptState = "delivered"
	StateFailed     AttemptState = "failed"
	StateSuppressed AttemptState = "suppressed"
)

// ValidState reports whether s is a known attempt state.
func ValidState(s AttemptState) bool {
	switch s {
	case StatePending, StateQueued, StateSent, StateDelivered, StateFailed, StateSuppressed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
// Transitions are monotonic except failed -> pending (retry). suppressed is
// terminal and reachable only from pending.
func CanTransition(from, to AttemptState) bool {
	switch from {
	case StatePending:
		return to == StateQueued || to == StateFailed || to == StateSuppressed
	case StateQueued:
		return to == StateSent || to == StateFailed
	case StateSent:
		return to == StateDelivered || to == StateFailed
	case StateFailed:
		return to == StatePending
	}
	return false
}

// IsTerminal reports whether no further transitions occur from s. A failed
// attempt is terminal only once its retry budget is exhausted, which is
// represented by a nil NextRetryAt on the attempt.
func (s AttemptState) IsTerminal() bool {
	return s == StateDelivered || s == StateSuppressed
}

// DispatchAttempt is one concrete delivery record tracking the lifecycle of
// a matched trigger firing. At most one non-suppressed attempt exists per
// (event_id, trigger_id) pair.
type DispatchAttempt struct {
	ID                string            `json:"id"`
	EventID           string            `json:"event_id"`
	TriggerID         string            `json:"trigger_id"`
	SiteID            string            `json:"site_id"`
	TenantID          string            `json:"tenant_id"`
	Channel           ChannelType       `json:"channel"`
	Destination       string            `json:"destination"`
	RenderedMessage   string            `json:"rendered_message"`
	State             AttemptState      `json:"state"`
	AttemptCount      int               `json:"attempt_count"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Fingerprint       string            `json:"-"`
	NextRetryAt       *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Retryable reports whether the attempt is failed but still owed a retry.
func (a *DispatchAttempt) Retryable() bool {
	return a.State == StateFailed && a.NextRetryAt != nil
}
