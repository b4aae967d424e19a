package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	apiContext "casehooks/internal/api/context"
	"casehooks/internal/api/handlers"
	"casehooks/internal/api/middleware"
	"casehooks/internal/pkg/errors"
	"casehooks/internal/platform/auth"
)

const adminBase = "/api/v1/admin"

type Dependencies struct {
	WebhookHandler *handlers.WebhookHandler
	AuditHandler   *handlers.AuditHandler // nil disables /audit
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler // nil disables /metrics
	MetricsPath    string
	AuthMiddleware *middleware.AuthMiddleware
	APILimiter     *middleware.RateLimiter
	TestLimiter    *middleware.RateLimiter
	Logger         zerolog.Logger
}

func NewRouter(deps *Dependencies) http.Handler {
	router := httprouter.New()
	router.PanicHandler = recoverPanic
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusMethodNotAllowed, errors.ErrCodeInvalidInput, "Method not allowed", nil)
	})

	router.GET("/health", wrap(deps.HealthHandler.Check))
	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, wrap(deps.MetricsHandler.Export))
	}

	authMid := deps.AuthMiddleware
	apiLimit := deps.APILimiter.Handle
	admin := requireRole(auth.RoleAdmin)
	wh := deps.WebhookHandler

	// Webhook administration
	router.GET(adminBase+"/webhooks", chain(wh.List, authMid.Handle, admin, apiLimit))
	router.POST(adminBase+"/webhooks", chain(wh.Create, authMid.Handle, admin, apiLimit))
	router.GET(adminBase+"/webhooks/:id", chain(wh.Get, authMid.Handle, admin, apiLimit))
	router.PUT(adminBase+"/webhooks/:id", chain(wh.Update, authMid.Handle, admin, apiLimit))
	router.DELETE(adminBase+"/webhooks/:id", chain(wh.Delete, authMid.Handle, admin, apiLimit))
	router.POST(adminBase+"/webhooks/:id/test",
		chain(wh.Test, authMid.Handle, admin, apiLimit, deps.TestLimiter.Handle))
	router.POST(adminBase+"/webhooks/:id/reset", chain(wh.ResetFailures, authMid.Handle, admin, apiLimit))
	router.GET(adminBase+"/webhooks/:id/logs", chain(wh.Logs, authMid.Handle, admin, apiLimit))
	router.GET(adminBase+"/webhooks/:id/stats", chain(wh.Stats, authMid.Handle, admin, apiLimit))

	// Event ingress
	router.POST(adminBase+"/events", chain(wh.Emit, authMid.Handle, admin, apiLimit))

	if deps.AuditHandler != nil {
		router.GET(adminBase+"/audit", chain(deps.AuditHandler.List, authMid.Handle, admin, apiLimit))
	}

	var h http.Handler = router
	h = hlog.AccessHandler(accessLog)(h)
	h = hlog.RemoteAddrHandler("ip")(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	h = hlog.NewHandler(deps.Logger)(h)
	return h
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	event := hlog.FromRequest(r).Info()
	if status >= 500 {
		event = hlog.FromRequest(r).Error()
	}
	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

func recoverPanic(w http.ResponseWriter, r *http.Request, rec interface{}) {
	hlog.FromRequest(r).Error().
		Str("panic", fmt.Sprint(rec)).
		Str("path", r.URL.Path).
		Msg("handler panic")
	errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Internal server error", nil)
}

// chain applies middlewares outermost first.
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// wrap exposes route params through the request context.
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

func requireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := middleware.ClaimsFrom(r.Context())
			if claims == nil {
				errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Authentication required", nil)
				return
			}

			allowed := false
			for _, role := range roles {
				if claims.Role == role {
					allowed = true
					break
				}
			}

			if !allowed {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
				return
			}

			next(w, r)
		}
	}
}
