package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casehooks/internal/api/handlers"
	"casehooks/internal/api/middleware"
	"casehooks/internal/engine/webhooks"
	"casehooks/internal/platform/audit"
	"casehooks/internal/platform/auth"
	"casehooks/internal/platform/config"
	"casehooks/internal/platform/metrics"
	"casehooks/internal/platform/models"
	"casehooks/internal/platform/repositories"
	"casehooks/internal/platform/stats"
	"casehooks/internal/testutil"
)

type testServer struct {
	handler http.Handler
	tokens  *auth.TokenService
	admin   string
}

type fakeStats struct{}

func (fakeStats) Daily(_ context.Context, _ string, days int, _ time.Time) ([]stats.DayStats, error) {
	out := make([]stats.DayStats, days)
	out[days-1] = stats.DayStats{Date: "2024-01-07", Success: 3, Failure: 1}
	return out, nil
}

func newTestServer(t *testing.T, statsReader handlers.StatsReader, testPerMinute int) *testServer {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repo := repositories.NewWebhookRepository(db, nil)
	deliveries := repositories.NewDeliveryRepository(db)

	reg := prometheus.NewRegistry()
	sender := webhooks.NewHTTPSender(webhooks.WithHTTPClient(&http.Client{Transport: &http.Transport{DisableKeepAlives: true}}))
	dispatcher := webhooks.NewDispatcher(repo, deliveries, sender).WithMetrics(metrics.NewPrometheusSink(reg))
	t.Cleanup(func() { dispatcher.Close(context.Background()) })
	service := webhooks.NewService(repo, deliveries, dispatcher)

	tokens := auth.NewTokenService(config.JWTConfig{Secret: "router-test-secret-value", Issuer: "casehooks", AccessTokenTTL: time.Hour})
	admin, err := tokens.GenerateAccessToken("u_admin", auth.RoleAdmin, "admin@example.com")
	require.NoError(t, err)

	auditLog := audit.NewLogger(db)

	h := NewRouter(&Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(service, statsReader).WithAudit(auditLog),
		AuditHandler:   handlers.NewAuditHandler(auditLog),
		HealthHandler:  handlers.NewHealthHandler(db, nil),
		MetricsHandler: handlers.NewMetricsHandler(reg),
		AuthMiddleware: middleware.NewAuthMiddleware(tokens),
		APILimiter:     middleware.NewRateLimiter(0),
		TestLimiter:    middleware.NewRateLimiter(testPerMinute),
		Logger:         zerolog.Nop(),
	})
	return &testServer{handler: h, tokens: tokens, admin: admin}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return s.doAs(t, s.admin, method, path, body)
}

func (s *testServer) doAs(t *testing.T, token, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type echoServer struct {
	mu    sync.Mutex
	count int
	srv   *httptest.Server
}

func newEcho(t *testing.T, status int) *echoServer {
	e := &echoServer{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.count++
		e.mu.Unlock()
		w.WriteHeader(status)
		io.Copy(w, r.Body)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *echoServer) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func createWebhook(t *testing.T, s *testServer, url string, events ...string) models.Webhook {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/v1/admin/webhooks", map[string]interface{}{
		"name": "S1", "url": url, "events": events, "isActive": true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[models.Webhook](t, rr)
}

func TestRouter_SecretShownOnce(t *testing.T) {
	s := newTestServer(t, nil, 0)

	created := createWebhook(t, s, "https://example.com/hook", "case.created")
	assert.NotEmpty(t, created.Secret)
	assert.NotEqual(t, models.RedactedSecret, created.Secret)

	list := decode[[]models.Webhook](t, s.do(t, http.MethodGet, "/api/v1/admin/webhooks", nil))
	require.Len(t, list, 1)
	assert.Equal(t, models.RedactedSecret, list[0].Secret)

	one := decode[models.Webhook](t, s.do(t, http.MethodGet, "/api/v1/admin/webhooks/"+created.ID, nil))
	assert.Equal(t, models.RedactedSecret, one.Secret)
}

func TestRouter_UpdateRejectsEmptyEvents(t *testing.T) {
	s := newTestServer(t, nil, 0)
	created := createWebhook(t, s, "https://example.com/hook", "case.created")

	rr := s.do(t, http.MethodPut, "/api/v1/admin/webhooks/"+created.ID, map[string]interface{}{
		"name": "S1", "url": "https://example.com/hook", "events": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body := decode[struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}](t, rr)
	assert.Equal(t, "INVALID_INPUT", body.Code)
	assert.Contains(t, body.Details, "events")
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t, nil, 0)
	valid := map[string]interface{}{"name": "x", "url": "https://example.com", "events": []string{"case.created"}}

	for _, tc := range []struct {
		method, path string
		body         interface{}
	}{
		{http.MethodGet, "/api/v1/admin/webhooks/wh_missing", nil},
		{http.MethodPut, "/api/v1/admin/webhooks/wh_missing", valid},
		{http.MethodDelete, "/api/v1/admin/webhooks/wh_missing", nil},
		{http.MethodPost, "/api/v1/admin/webhooks/wh_missing/test", nil},
		{http.MethodPost, "/api/v1/admin/webhooks/wh_missing/reset", nil},
		{http.MethodGet, "/api/v1/admin/webhooks/wh_missing/logs", nil},
	} {
		rr := s.do(t, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", tc.method, tc.path)
		assert.Contains(t, rr.Body.String(), "NOT_FOUND")
	}
}

func TestRouter_MalformedBody(t *testing.T) {
	s := newTestServer(t, nil, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/webhooks", bytes.NewBufferString("{nope"))
	req.Header.Set("Authorization", "Bearer "+s.admin)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "INVALID_INPUT")
}

func TestRouter_AuthAndRole(t *testing.T) {
	s := newTestServer(t, nil, 0)

	rr := s.doAs(t, "", http.MethodGet, "/api/v1/admin/webhooks", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	viewer, err := s.tokens.GenerateAccessToken("u_2", "member", "")
	require.NoError(t, err)
	rr = s.doAs(t, viewer, http.MethodGet, "/api/v1/admin/webhooks", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouter_EventsCatalog(t *testing.T) {
	s := newTestServer(t, nil, 0)

	rr := s.do(t, http.MethodGet, "/api/v1/admin/webhooks/events", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode[struct {
		Categories []webhooks.EventGroup `json:"categories"`
	}](t, rr)
	require.Len(t, body.Categories, len(webhooks.Categories))
	assert.Equal(t, "user", body.Categories[0].Category)
}

func TestRouter_TestDelivery(t *testing.T) {
	s := newTestServer(t, nil, 0)
	echo := newEcho(t, http.StatusOK)
	created := createWebhook(t, s, echo.srv.URL, "case.created")

	rr := s.do(t, http.MethodPost, "/api/v1/admin/webhooks/"+created.ID+"/test", map[string]string{"testEvent": "ping"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res := decode[webhooks.TestResult](t, rr)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.GreaterOrEqual(t, res.ResponseTime, int64(0))
	assert.Contains(t, res.Body, `"event":"ping"`)

	logs := decode[[]models.DeliveryAttempt](t, s.do(t, http.MethodGet, "/api/v1/admin/webhooks/"+created.ID+"/logs?limit=5", nil))
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Test)

	rr = s.do(t, http.MethodGet, "/api/v1/admin/webhooks/"+created.ID+"/logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_TestDeliveryEmptyBody(t *testing.T) {
	s := newTestServer(t, nil, 0)
	echo := newEcho(t, http.StatusOK)
	created := createWebhook(t, s, echo.srv.URL, "case.created")

	rr := s.do(t, http.MethodPost, "/api/v1/admin/webhooks/"+created.ID+"/test", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, decode[webhooks.TestResult](t, rr).Body, webhooks.TestEvent)
}

func TestRouter_TestDeliveryRateLimited(t *testing.T) {
	s := newTestServer(t, nil, 1)
	echo := newEcho(t, http.StatusOK)
	created := createWebhook(t, s, echo.srv.URL, "case.created")

	path := "/api/v1/admin/webhooks/" + created.ID + "/test"
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path, nil).Code)

	rr := s.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, 1, echo.Count())
}

func TestRouter_EmitFailureStillAccepted(t *testing.T) {
	s := newTestServer(t, nil, 0)
	failing := newEcho(t, http.StatusInternalServerError)
	created := createWebhook(t, s, failing.srv.URL, "case.created")

	rr := s.do(t, http.MethodPost, "/api/v1/admin/events", map[string]interface{}{
		"event": "case.created", "data": map[string]int{"caseId": 42},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	summary := decode[webhooks.EmitSummary](t, rr)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Failed)

	after := decode[models.Webhook](t, s.do(t, http.MethodGet, "/api/v1/admin/webhooks/"+created.ID, nil))
	assert.Equal(t, 1, after.FailureCount)
	assert.NotNil(t, after.LastTriggered)

	rr = s.do(t, http.MethodPost, "/api/v1/admin/webhooks/"+created.ID+"/reset", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, decode[models.Webhook](t, rr).FailureCount)
}

func TestRouter_EmitAsync(t *testing.T) {
	s := newTestServer(t, nil, 0)
	echo := newEcho(t, http.StatusOK)
	createWebhook(t, s, echo.srv.URL, "document.uploaded")

	rr := s.do(t, http.MethodPost, "/api/v1/admin/events?async=true", map[string]interface{}{
		"event": "document.uploaded", "data": map[string]string{"documentId": "doc_1"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	body := decode[map[string]interface{}](t, rr)
	assert.Equal(t, true, body["queued"])
	assert.NotContains(t, body, "attempted")

	require.Eventually(t, func() bool { return echo.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	rr = s.do(t, http.MethodPost, "/api/v1/admin/events?async=true", map[string]string{"event": "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_DeleteStopsDelivery(t *testing.T) {
	s := newTestServer(t, nil, 0)
	echo := newEcho(t, http.StatusOK)
	created := createWebhook(t, s, echo.srv.URL, "case.created")

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/admin/webhooks/"+created.ID, nil).Code)

	rr := s.do(t, http.MethodPost, "/api/v1/admin/events", map[string]string{"event": "case.created"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Zero(t, echo.Count())
}

func TestRouter_Stats(t *testing.T) {
	s := newTestServer(t, nil, 0)
	created := createWebhook(t, s, "https://example.com", "case.created")
	rr := s.do(t, http.MethodGet, "/api/v1/admin/webhooks/"+created.ID+"/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	s = newTestServer(t, fakeStats{}, 0)
	created = createWebhook(t, s, "https://example.com", "case.created")
	rr = s.do(t, http.MethodGet, "/api/v1/admin/webhooks/"+created.ID+"/stats?days=7", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode[struct {
		WebhookID string           `json:"webhookId"`
		Days      []stats.DayStats `json:"days"`
	}](t, rr)
	assert.Equal(t, created.ID, body.WebhookID)
	require.Len(t, body.Days, 7)
	assert.EqualValues(t, 3, body.Days[6].Success)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, 0)

	rr := s.doAs(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"healthy"`)

	failing := newEcho(t, http.StatusBadGateway)
	createWebhook(t, s, failing.srv.URL, "payment.failed")
	s.do(t, http.MethodPost, "/api/v1/admin/events", map[string]string{"event": "payment.failed"})

	rr = s.doAs(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `casehooks_webhook_delivery_outcomes_total{outcome="failed"} 1`)
}

func TestHealth_Degraded(t *testing.T) {
	db := testutil.SetupTestDB(t)
	down := handlers.PingFunc(func(context.Context) error { return errors.New("connection refused") })

	rr := httptest.NewRecorder()
	handlers.NewHealthHandler(db, down).Check(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"degraded"`)

	rr = httptest.NewRecorder()
	handlers.NewHealthHandler(down, nil).Check(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_PanicRecovered(t *testing.T) {
	router := NewRouter(&Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(nil, nil),
		HealthHandler:  handlers.NewHealthHandler(nil, nil),
		AuthMiddleware: middleware.NewAuthMiddleware(auth.NewTokenService(config.JWTConfig{Secret: "x"})),
		APILimiter:     middleware.NewRateLimiter(0),
		TestLimiter:    middleware.NewRateLimiter(0),
		Logger:         zerolog.Nop(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "INTERNAL_ERROR")
}

func TestRouter_AuditTrail(t *testing.T) {
	s := newTestServer(t, nil, 0)
	echo := newEcho(t, http.StatusOK)

	rr := s.do(t, http.MethodPost, "/api/v1/admin/webhooks", map[string]interface{}{
		"name": "crm", "url": echo.srv.URL, "events": []string{"case.created"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decode[models.Webhook](t, rr).ID

	rr = s.do(t, http.MethodPost, "/api/v1/admin/webhooks/"+id+"/test", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodDelete, "/api/v1/admin/webhooks/"+id, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/v1/admin/audit?resourceId="+id, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	entries := decode[[]audit.Entry](t, rr)
	require.Len(t, entries, 3)

	actions := []string{entries[0].Action, entries[1].Action, entries[2].Action}
	assert.ElementsMatch(t, []string{audit.ActionWebhookCreated, audit.ActionWebhookTested, audit.ActionWebhookDeleted}, actions)
	for _, e := range entries {
		assert.Equal(t, "u_admin", e.ActorID)
		assert.NotContains(t, e.Metadata, "secret")
	}

	rr = s.do(t, http.MethodGet, "/api/v1/admin/audit?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
