package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
)

// SMSClient delivers SMS attempts through the provider's REST API.
type SMSClient struct {
	baseURL    string
	accountID  string
	apiKey     string
	fromNumber string
	httpClient *http.Client
}

// NewSMSClient creates an SMS client from config.
func NewSMSClient(cfg config.SMSConfig) *SMSClient {
	return &SMSClient{
		baseURL:    cfg.BaseURL,
		accountID:  cfg.AccountID,
		apiKey:     cfg.APIKey,
		fromNumber: cfg.FromNumber,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

type smsRequest struct {
	AccountID string `json:"account_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send posts the rendered message to the SMS API. A non-2xx answer is a
// rejection; transport timeouts classify as ErrTimeout.
func (c *SMSClient) Send(ctx context.Context, a *domain.DispatchAttempt) (string, error) {
	payload, err := json.Marshal(smsRequest{
		AccountID: c.accountID,
		From:      c.fromNumber,
		To:        a.Destination,
		Body:      a.RenderedMessage,
	})
	if err != nil {
		return "", fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms send: %w", classifyTransport(err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: sms api status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out smsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode sms response: %w", err)
	}
	return out.MessageID, nil
}
