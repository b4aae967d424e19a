package handlers

import (
	"context"
	"net/http"
	"strconv"

	"casehooks/internal/api/middleware"
	"casehooks/internal/pkg/errors"
	"casehooks/internal/platform/audit"
)

const maxAuditLimit = 500

// AuditStore persists and lists admin actions.
type AuditStore interface {
	Log(ctx context.Context, e *audit.Entry)
	List(ctx context.Context, resourceID string, limit int) ([]*audit.Entry, error)
}

type AuditHandler struct {
	store AuditStore
}

func NewAuditHandler(store AuditStore) *AuditHandler {
	return &AuditHandler{store: store}
}

// List serves GET /audit?resourceId=&limit=.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid limit",
				map[string]string{"limit": "must be a positive integer"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.store.List(r.Context(), r.URL.Query().Get("resourceId"), limit)
	if err != nil {
		errors.WriteInternal(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, entries)
}

// record is a no-op when store is nil.
func record(r *http.Request, store AuditStore, action, resourceType, resourceID string, meta map[string]interface{}) {
	if store == nil {
		return
	}
	e := &audit.Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
		IPAddress:    middleware.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}
	if claims := middleware.ClaimsFrom(r.Context()); claims != nil {
		e.ActorID = claims.UserID
	}
	store.Log(r.Context(), e)
}
