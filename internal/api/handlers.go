package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/event"
	"github.com/alertstream/engine/internal/pkg/httputil"
	"github.com/alertstream/engine/internal/pkg/logger"
	"github.com/alertstream/engine/internal/provider"
	"github.com/alertstream/engine/internal/service/dispatch"
	"github.com/alertstream/engine/internal/service/trigger"
	"github.com/alertstream/engine/internal/worker"
	"github.com/go-chi/chi/v5"
)

// maxReceiptBody caps how much of a delivery receipt request is read.
const maxReceiptBody = 1 << 20

// Handlers carries the services the HTTP layer exposes.
type Handlers struct {
	normalizer    *event.Normalizer
	dispatcher    *dispatch.Service
	triggers      *trigger.Service
	queues        *worker.Router
	pools         map[domain.ChannelType]*worker.Pool
	receiptSecret string
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(
	normalizer *event.Normalizer,
	dispatcher *dispatch.Service,
	triggers *trigger.Service,
	queues *worker.Router,
	pools map[domain.ChannelType]*worker.Pool,
	receiptSecret string,
) *Handlers {
	return &Handlers{
		normalizer:    normalizer,
		dispatcher:    dispatcher,
		triggers:      triggers,
		queues:        queues,
		pools:         pools,
		receiptSecret: receiptSecret,
	}
}

// IngestEvent accepts a raw collector event, normalizes it, and runs the
// admission pipeline. Delivery itself is asynchronous, so acceptance is
// 202 with the canonical event id.
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var raw event.RawEvent
	if !httputil.Decode(w, r, &raw) {
		return
	}

	ev, site, err := h.normalizer.Normalize(r.Context(), raw)
	if err != nil {
		switch {
		case errors.Is(err, event.ErrUnknownSite):
			httputil.BadRequest(w, "unknown_site", err.Error())
		case errors.Is(err, event.ErrInvalidEvent):
			httputil.BadRequest(w, "invalid_event", err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}

	admitted, err := h.dispatcher.ProcessEvent(r.Context(), ev, site)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.Accepted(w, map[string]any{
		"event_id": ev.ID,
		"admitted": len(admitted),
	})
}

// ListAttempts returns dispatch history, filterable by site and state.
func (h *Handlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !domain.ValidState(domain.AttemptState(status)) {
		httputil.BadRequest(w, "invalid_status", "unknown attempt state: "+status)
		return
	}

	f := dispatch.ListFilter{
		SiteID: q.Get("site_id"),
		Status: status,
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}
	attempts, total, err := h.dispatcher.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if attempts == nil {
		attempts = []domain.DispatchAttempt{}
	}
	httputil.OK(w, map[string]any{
		"attempts": attempts,
		"total":    total,
	})
}

// GetAttempt returns one dispatch attempt.
func (h *Handlers) GetAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.dispatcher.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, dispatch.ErrNotFound) {
		httputil.NotFound(w, "dispatch attempt not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, a)
}

// DeliveryReceipt accepts a signed provider receipt and applies it to the
// matching attempt. An unverifiable signature is a hard 401; a receipt for
// an attempt in the wrong state is staged and acknowledged with 200.
func (h *Handlers) DeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReceiptBody))
	if err != nil {
		httputil.BadRequest(w, "invalid_body", "could not read request body")
		return
	}

	sig := r.Header.Get(provider.SignatureHeader)
	if sig == "" || !provider.VerifySignature(h.receiptSecret, body, sig) {
		logger.Warn("receipt signature rejected", "remote", r.RemoteAddr)
		httputil.Unauthorized(w, "invalid receipt signature")
		return
	}

	var receipt dispatch.Receipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		httputil.BadRequest(w, "invalid_json", "invalid JSON: "+err.Error())
		return
	}
	if receipt.AttemptID == "" {
		httputil.BadRequest(w, "invalid_receipt", "attempt_id is required")
		return
	}
	if receipt.Status != "delivered" && receipt.Status != "failed" {
		httputil.BadRequest(w, "invalid_receipt", "status must be delivered or failed")
		return
	}

	applied, err := h.dispatcher.ApplyReceipt(r.Context(), receipt)
	if errors.Is(err, dispatch.ErrNotFound) {
		httputil.NotFound(w, "dispatch attempt not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"applied": applied})
}

// Health reports liveness plus queue depths and worker counters.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.queues != nil {
		resp["queues"] = h.queues.Depths()
	}
	if len(h.pools) > 0 {
		workers := make(map[string]worker.StatsSnapshot, len(h.pools))
		for ch, p := range h.pools {
			workers[string(ch)] = p.StatsSnapshot()
		}
		resp["workers"] = workers
	}
	httputil.OK(w, resp)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
