package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"creditengine/entity"
	"creditengine/impl/auth"
	"creditengine/impl/core"
	"creditengine/internal/database/memory"
	"creditengine/internal/metrics"
	"creditengine/internal/ratelimit"
	"creditengine/lib/api/response"
	"creditengine/lib/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	router http.Handler
	store  *memory.Store
	core   *core.Core
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithLog(t, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newEnvWithLog(t *testing.T, log *slog.Logger) *env {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveUser(ctx, &entity.User{UserID: "alice", Token: "alice-token"}))
	require.NoError(t, store.SaveUser(ctx, &entity.User{UserID: "bob", Token: "bob-token"}))
	require.NoError(t, store.SaveUser(ctx, &entity.User{UserID: "ops", Token: "admin-token", Role: entity.RoleAdmin}))

	opts := core.DefaultOptions()
	opts.WelcomeCredits = 100
	opts.GiftLimits = []ratelimit.Limit{ratelimit.PerHour(1)}
	c := core.New(store, opts, log)
	c.SetAuthService(auth.New(store, time.Minute))
	c.SetRateLimiter(ratelimit.NewMemoryLimiter(nil))
	m := metrics.New()
	c.SetMetrics(m)
	require.NoError(t, c.EnsureSettings(ctx))

	return &env{router: Router(log, c, m.Handler()), store: store, core: c}
}

func (e *env) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp response.Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t)
	rec, resp := e.do(t, http.MethodGet, "/v1/credits/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = e.do(t, http.MethodGet, "/v1/credits/balance", "unknown", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBalanceCreatesAccount(t *testing.T) {
	e := newEnv(t)
	rec, resp := e.do(t, http.MethodGet, "/v1/credits/balance", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "alice", data["user_id"])
	assert.Equal(t, 100.0, data["balance"])
}

func TestGiftFlow(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/v1/credits/balance", "bob-token", "")

	rec, resp := e.do(t, http.MethodPost, "/v1/credits/gift", "alice-token", `{"recipient_id":"bob","amount":600}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid amount", resp.StatusMessage)

	rec, resp = e.do(t, http.MethodPost, "/v1/credits/gift", "alice-token", `{"recipient_id":"alice","amount":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "You cannot gift credits to yourself", resp.StatusMessage)

	rec, resp = e.do(t, http.MethodPost, "/v1/credits/gift", "alice-token", `{"recipient_id":"bob","amount":30,"message":"thanks"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 70.0, resp.Data.(map[string]interface{})["balance"])

	rec, _ = e.do(t, http.MethodPost, "/v1/credits/gift", "alice-token", `{"recipient_id":"bob","amount":1}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestInsufficientCreditsIsPaymentRequired(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodPut, "/v1/admin/settings/pricing", "admin-token",
		`{"feature_id":"video_highlight","credits_per_use":150,"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := e.do(t, http.MethodGet, "/v1/credits/check/video_highlight", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decision := resp.Data.(map[string]interface{})
	assert.Equal(t, false, decision["allowed"])
	assert.Equal(t, "insufficient_credits", decision["reason"])

	rec, resp = e.do(t, http.MethodPost, "/v1/credits/use", "alice-token", `{"feature":"video_highlight"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "Insufficient credits", resp.StatusMessage)
}

func TestAdminRoutes(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/v1/credits/balance", "alice-token", "")

	rec, _ := e.do(t, http.MethodPost, "/v1/admin/adjust", "alice-token", `{"user_id":"alice","amount":500,"reason":"me"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/admin/adjust", "admin-token", `{"user_id":"alice","amount":-10001,"reason":"typo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp := e.do(t, http.MethodPost, "/v1/admin/adjust", "admin-token", `{"user_id":"alice","amount":-50,"reason":"chargeback"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50.0, resp.Data.(map[string]interface{})["new_balance"])

	rec, resp = e.do(t, http.MethodGet, "/v1/admin/audit?limit=5", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data.([]interface{}), 1)

	rec, resp = e.do(t, http.MethodGet, "/v1/admin/settings", "admin-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, resp.Data.(map[string]interface{})["version"])
}

func TestPromoAlreadyRedeemedIsConflict(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodPut, "/v1/admin/settings/promo", "admin-token", `{"code":"welcome25","credits":25,"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := e.do(t, http.MethodPost, "/v1/credits/promo", "alice-token", `{"code":"WELCOME25"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 125.0, resp.Data.(map[string]interface{})["balance"])

	rec, resp = e.do(t, http.MethodPost, "/v1/credits/promo", "alice-token", `{"code":"WELCOME25"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "You have already used this promo code", resp.StatusMessage)
}

func TestWebhookUnknownProvider(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodPost, "/webhook/payment/primary", "", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/v1/credits/balance", "alice-token", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `credits_transactions_total{type="welcome"} 1`)
}

type alertSink struct {
	mu       sync.Mutex
	messages []string
}

func (a *alertSink) SendMessageWithLevel(msg string, _ slog.Level) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

func (a *alertSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

func TestUserDenialsDoNotAlertAdmins(t *testing.T) {
	sink := &alertSink{}
	base := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	e := newEnvWithLog(t, slog.New(logger.NewTelegramHandler(base, sink, slog.LevelWarn)))

	rec, _ := e.do(t, http.MethodPut, "/v1/admin/settings/pricing", "admin-token",
		`{"feature_id":"video_highlight","credits_per_use":150,"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/v1/credits/balance", "bob-token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/credits/use", "alice-token", `{"feature":"video_highlight"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/v1/credits/promo", "alice-token", `{"code":"NOSUCH"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/v1/credits/gift", "alice-token", `{"recipient_id":"alice","amount":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/v1/credits/gift", "alice-token", `{"recipient_id":"bob","amount":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/v1/credits/gift", "alice-token", `{"recipient_id":"bob","amount":1}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/v1/admin/adjust", "admin-token", `{"user_id":"alice","amount":-100000,"reason":"typo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, sink.count())
}

func TestProviderOutageAlertsAdmins(t *testing.T) {
	sink := &alertSink{}
	log := slog.New(logger.NewTelegramHandler(slog.NewTextHandler(io.Discard, nil), sink, slog.LevelWarn))
	e := newEnvWithLog(t, log)

	rec, _ := e.do(t, http.MethodPost, "/v1/credits/purchase", "alice-token", `{"bundle_id":"starter"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, sink.count())
}
