package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSendSignsPayload(t *testing.T) {
	const secret = "hook-secret"

	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := &domain.DispatchAttempt{
		ID:              "att-9",
		EventID:         "evt-1",
		TriggerID:       "trg-1",
		Destination:     srv.URL,
		RenderedMessage: "Inventory low: widget",
	}
	client := NewWebhookClient(config.WebhookConfig{SigningSecret: secret, TimeoutSeconds: 5})
	id, err := client.Send(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "att-9", id, "attempt id doubles as correlation id")

	require.NotEmpty(t, gotSig)
	assert.True(t, VerifySignature(secret, gotBody, gotSig))

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "att-9", payload.AttemptID)
	assert.Equal(t, "evt-1", payload.EventID)
	assert.Equal(t, "Inventory low: widget", payload.Message)
}

func TestWebhookSendNon2xxIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := &domain.DispatchAttempt{ID: "att-9", Destination: srv.URL, RenderedMessage: "m"}
	client := NewWebhookClient(config.WebhookConfig{TimeoutSeconds: 5})
	_, err := client.Send(context.Background(), a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"attempt_id":"a"}`)
	sig := Sign("s1", body)

	assert.True(t, VerifySignature("s1", body, sig))
	assert.False(t, VerifySignature("s2", body, sig))
	assert.False(t, VerifySignature("s1", []byte(`tampered`), sig))
	assert.False(t, VerifySignature("s1", body, ""))
}
