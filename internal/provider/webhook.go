package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body on
// outbound webhook deliveries and inbound delivery receipts alike.
const SignatureHeader = "X-Alertstream-Signature"

// Sign computes the hex HMAC-SHA256 signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookClient delivers webhook attempts by POSTing a signed JSON payload
// to the trigger's destination URL.
type WebhookClient struct {
	signingSecret string
	httpClient    *http.Client
}

// NewWebhookClient creates a webhook client from config.
func NewWebhookClient(cfg config.WebhookConfig) *WebhookClient {
	return &WebhookClient{
		signingSecret: cfg.SigningSecret,
		httpClient:    &http.Client{Timeout: cfg.Timeout()},
	}
}

type webhookPayload struct {
	AttemptID string    `json:"attempt_id"`
	EventID   string    `json:"event_id"`
	TriggerID string    `json:"trigger_id"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

// Send posts the signed payload. Receivers must answer 2xx within the
// timeout; anything else is a rejection. Webhooks have no provider-side
// message id, so the attempt id doubles as the correlation id.
func (c *WebhookClient) Send(ctx context.Context, a *domain.DispatchAttempt) (string, error) {
	body, err := json.Marshal(webhookPayload{
		AttemptID: a.ID,
		EventID:   a.EventID,
		TriggerID: a.TriggerID,
		Message:   a.RenderedMessage,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Destination, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signingSecret != "" {
		req.Header.Set(SignatureHeader, Sign(c.signingSecret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook send: %w", classifyTransport(err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: webhook receiver status %d", ErrRejected, resp.StatusCode)
	}
	return a.ID, nil
}
