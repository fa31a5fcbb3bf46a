package api

import (
	"errors"
	"net/http"

	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/pkg/httputil"
	"github.com/alertstream/engine/internal/service/trigger"
	"github.com/go-chi/chi/v5"
)

// CreateTrigger registers a new trigger rule.
func (h *Handlers) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var input trigger.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	t, err := h.triggers.Create(r.Context(), input)
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	httputil.Created(w, t)
}

// GetTrigger returns one trigger.
func (h *Handlers) GetTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := h.triggers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	httputil.OK(w, t)
}

// ListTriggers returns a site's triggers.
func (h *Handlers) ListTriggers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	siteID := q.Get("site_id")
	if siteID == "" {
		httputil.BadRequest(w, "missing_site_id", "site_id query parameter is required")
		return
	}

	f := trigger.ListFilter{
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}
	triggers, total, err := h.triggers.List(r.Context(), siteID, f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if triggers == nil {
		triggers = []domain.Trigger{}
	}
	httputil.OK(w, map[string]any{
		"triggers": triggers,
		"total":    total,
	})
}

// UpdateTrigger applies a partial update to a trigger.
func (h *Handlers) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var u trigger.UpdateFields
	if !httputil.Decode(w, r, &u) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.triggers.Update(r.Context(), id, u); err != nil {
		writeTriggerError(w, err)
		return
	}

	t, err := h.triggers.Get(r.Context(), id)
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	httputil.OK(w, t)
}

// DisableTrigger soft-disables a trigger. The row stays, dispatch history
// keeps referencing it, and in-flight attempts run to completion.
func (h *Handlers) DisableTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.triggers.Disable(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeTriggerError(w, err)
		return
	}
	httputil.NoContent(w)
}

func writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trigger.ErrNotFound):
		httputil.NotFound(w, "trigger not found")
	case errors.Is(err, trigger.ErrInvalidOperator):
		httputil.BadRequest(w, "invalid_operator", err.Error())
	case errors.Is(err, trigger.ErrValidation):
		httputil.BadRequest(w, "validation_failed", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
