package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "casehooks/internal/api/context"
	"casehooks/internal/engine/webhooks"
	"casehooks/internal/pkg/errors"
	"casehooks/internal/platform/audit"
	"casehooks/internal/platform/stats"
)

const maxBodyBytes = 1 << 20

// StatsReader serves per-subscription daily counters.
type StatsReader interface {
	Daily(ctx context.Context, webhookID string, days int, now time.Time) ([]stats.DayStats, error)
}

type WebhookHandler struct {
	service *webhooks.Service
	stats   StatsReader // nil when Redis is not configured
	audit   AuditStore
}

func NewWebhookHandler(service *webhooks.Service, stats StatsReader) *WebhookHandler {
	return &WebhookHandler{service: service, stats: stats}
}

// WithAudit records every mutating admin action.
func (h *WebhookHandler) WithAudit(store AuditStore) *WebhookHandler {
	h.audit = store
	return h
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		errors.WriteInternal(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, list)
}

// Create answers with the plaintext secret. This is the only response that carries it.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req webhooks.WebhookInput
	if !decodeBody(w, r, &req) {
		return
	}

	webhook, err := h.service.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Info().Str("webhook_id", webhook.ID).Strs("events", webhook.Events).Msg("webhook created")
	record(r, h.audit, audit.ActionWebhookCreated, audit.ResourceWebhook, webhook.ID, map[string]interface{}{
		"name": webhook.Name, "url": webhook.URL, "events": webhook.Events,
	})
	errors.WriteJSON(w, http.StatusCreated, webhook)
}

// Get serves GET /webhooks/:id. httprouter cannot register the static
// /webhooks/events next to /webhooks/:id, so the catalog is served here too.
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	if id == "events" {
		h.Events(w, r)
		return
	}

	webhook, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req webhooks.WebhookInput
	if !decodeBody(w, r, &req) {
		return
	}

	webhook, err := h.service.Update(r.Context(), param(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Info().Str("webhook_id", webhook.ID).Msg("webhook updated")
	record(r, h.audit, audit.ActionWebhookUpdated, audit.ResourceWebhook, webhook.ID, map[string]interface{}{
		"url": webhook.URL, "events": webhook.Events, "isActive": webhook.IsActive,
	})
	if req.Unsigned || req.NewSecret() != "" {
		record(r, h.audit, audit.ActionWebhookSecretRotate, audit.ResourceWebhook, webhook.ID,
			map[string]interface{}{"unsigned": req.Unsigned})
	}
	errors.WriteJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Info().Str("webhook_id", id).Msg("webhook deleted")
	record(r, h.audit, audit.ActionWebhookDeleted, audit.ResourceWebhook, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestEvent string `json:"testEvent"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	id := param(r, "id")
	result, err := h.service.TestDeliver(r.Context(), id, req.TestEvent)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	record(r, h.audit, audit.ActionWebhookTested, audit.ResourceWebhook, id, map[string]interface{}{
		"success": result.Success, "status": result.Status,
	})
	errors.WriteJSON(w, http.StatusOK, result)
}

func (h *WebhookHandler) ResetFailures(w http.ResponseWriter, r *http.Request) {
	webhook, err := h.service.ResetFailures(r.Context(), param(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	record(r, h.audit, audit.ActionWebhookReset, audit.ResourceWebhook, webhook.ID, nil)
	errors.WriteJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit := webhooks.DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid limit",
				map[string]string{"limit": "must be a positive integer"})
			return
		}
		limit = n
	}

	logs, err := h.service.Logs(r.Context(), param(r, "id"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, logs)
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeUnavailable, "Delivery stats are not enabled", nil)
		return
	}

	id := param(r, "id")
	if _, err := h.service.Get(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days < 1 {
		days = 7
	}

	daily, err := h.stats.Daily(r.Context(), id, days, time.Now())
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("webhook_id", id).Msg("stats unavailable")
		errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeUnavailable, "Delivery stats are unavailable", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"webhookId": id, "days": daily})
}

func (h *WebhookHandler) Events(w http.ResponseWriter, r *http.Request) {
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"categories": webhooks.Grouped()})
}

// Emit raises a catalog event. Delivery outcomes never change the status code.
// With ?async=true the fan-out runs in the background and no summary is returned.
func (h *WebhookHandler) Emit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var data interface{} = req.Data
	if len(req.Data) == 0 {
		data = map[string]interface{}{}
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := h.service.EmitAsync(req.Event, data); err != nil {
			writeServiceError(w, r, err)
			return
		}
		record(r, h.audit, audit.ActionEventEmitted, audit.ResourceEvent, req.Event, map[string]interface{}{"async": true})
		errors.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"event": req.Event, "queued": true})
		return
	}

	summary, err := h.service.Emit(r.Context(), req.Event, data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	record(r, h.audit, audit.ActionEventEmitted, audit.ResourceEvent, summary.Event, map[string]interface{}{
		"attempted": summary.Attempted, "delivered": summary.Delivered, "failed": summary.Failed,
	})
	errors.WriteJSON(w, http.StatusAccepted, summary)
}

func param(r *http.Request, name string) string {
	ps, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return ps.ByName(name)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		msg := "Invalid request body"
		if stderrors.Is(err, io.EOF) {
			msg = "Request body is required"
		}
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, msg, nil)
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *webhooks.ValidationError
	switch {
	case stderrors.As(err, &verr):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Validation failed", verr.Fields)
	case stderrors.Is(err, webhooks.ErrNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook not found", nil)
	case stderrors.Is(err, webhooks.ErrDispatcherClosed):
		errors.WriteError(w, http.StatusServiceUnavailable, errors.ErrCodeUnavailable, "Server is shutting down", nil)
	default:
		errors.WriteInternal(w, r, err)
	}
}
