package handlers

import (
	"context"
	"net/http"
	"time"

	"casehooks/internal/pkg/errors"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain ping function, such as a Redis client's.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	db    Pinger
	redis Pinger // optional
}

func NewHealthHandler(db Pinger, redis Pinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": probe(ctx, h.db)}
	if h.redis != nil {
		checks["redis"] = probe(ctx, h.redis)
	}

	status := "healthy"
	statusCode := http.StatusOK
	if checks["database"] != "healthy" {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if h.redis != nil && checks["redis"] != "healthy" {
		// Stats are optional; deliveries keep working without Redis.
		status = "degraded"
	}

	errors.WriteJSON(w, statusCode, struct {
		Status    string            `json:"status"`
		Timestamp int64             `json:"timestamp"`
		Checks    map[string]string `json:"checks"`
	}{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	})
}

func probe(ctx context.Context, p Pinger) string {
	if err := p.PingContext(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}
