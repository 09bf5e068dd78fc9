package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-live/internal/activecall"
	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/clients/clientstest"
	"github.com/oggyb/muzz-live/internal/clock"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/service/matchmaking"
	"github.com/oggyb/muzz-live/internal/service/preferences"
	"github.com/oggyb/muzz-live/internal/service/queue"
	"github.com/oggyb/muzz-live/internal/testutil"
)

type noopMatcher struct{}

func (noopMatcher) Trigger(string)          {}
func (noopMatcher) Separate(string, string) {}
func (noopMatcher) Pairing(string) bool     { return false }

type fixture struct {
	router *gin.Engine
	active *activecall.Memory
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := testutil.NewDB(t)
	rc, _ := testutil.NewRedis(t)
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	appCtx := app.New(config.New(), gdb, rc, testutil.Logger()).WithClock(clk)

	active := activecall.NewMemory()
	svc := matchmaking.New(appCtx, matchmaking.Deps{
		Queue:       queue.NewStore(appCtx),
		Preferences: preferences.NewStore(appCtx),
		ActiveCalls: active,
		Sessions:    clientstest.NewSessions(),
		Bus:         eventbus.NewMemoryBus(),
		Matcher:     noopMatcher{},
	})
	opts.Logger = testutil.Logger()
	return &fixture{router: NewRouter(svc, opts), active: active}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestJoinStatusLeave(t *testing.T) {
	f := setup(t, Options{})

	w, body := f.do(t, http.MethodPost, "/queue/join", map[string]any{
		"user_id": "u1", "intent": "SERIOUS", "gender": "WOMAN", "age": 27,
		"interests": []string{"hiking"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", body["userId"])
	assert.Equal(t, "WAITING", body["status"])
	assert.Equal(t, 1.0, body["position"])

	w, body = f.do(t, http.MethodGet, "/queue/status/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["in_queue"])

	w, body = f.do(t, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["waiting"])
	assert.Equal(t, map[string]any{"SERIOUS": 1.0}, body["by_intent"])

	w, body = f.do(t, http.MethodPost, "/queue/leave", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["removed"])
}

func TestErrorStatuses(t *testing.T) {
	f := setup(t, Options{})
	require.NoError(t, f.active.Mark(context.Background(), "busy"))

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad enum", http.MethodPost, "/queue/join", map[string]any{"user_id": "u1", "intent": "DATING", "gender": "MAN"}, 400, "validation"},
		{"in call", http.MethodPost, "/queue/join", map[string]any{"user_id": "busy", "intent": "SERIOUS", "gender": "MAN"}, 409, "conflict"},
		{"no call to skip", http.MethodPost, "/queue/skip", map[string]any{"user_id": "u1"}, 404, "not_found"},
		{"no preferences", http.MethodGet, "/preferences/u1", nil, 404, "not_found"},
		{"bad limit", http.MethodGet, "/matches/u1?limit=x", nil, 400, "validation"},
		{"self suggestion", http.MethodPost, "/create_from_suggestion", map[string]any{"user_id": "u1", "target_user_id": "u1"}, 400, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, body := f.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errCode(body))
		})
	}
}

func TestMalformedBody(t *testing.T) {
	f := setup(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/queue/join", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusUnknownUserIsWellFormed(t *testing.T) {
	f := setup(t, Options{})
	w, body := f.do(t, http.MethodGet, "/queue/status/ghost", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ghost", body["userId"])
	assert.Equal(t, "NOT_IN_QUEUE", body["status"])
	assert.Equal(t, false, body["in_queue"])
}

func TestPreferencesRoundTrip(t *testing.T) {
	f := setup(t, Options{})
	w, _ := f.do(t, http.MethodPut, "/preferences/u1", map[string]any{"interestedIn": "Women", "maxDistance": 20})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, http.MethodGet, "/preferences/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"WOMAN"}, body["preferred_genders"])
	assert.Equal(t, 20.0, body["max_radius_km"])
}

func TestDiscoverAndSuggestion(t *testing.T) {
	f := setup(t, Options{})
	for _, u := range []map[string]any{
		{"user_id": "u1", "intent": "SERIOUS", "gender": "WOMAN"},
		{"user_id": "u2", "intent": "SERIOUS", "gender": "MAN"},
	} {
		w, _ := f.do(t, http.MethodPost, "/queue/join", u)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, body := f.do(t, http.MethodPost, "/discover", map[string]any{"user_id": "u1", "min_compat": 0})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["total_candidates"])

	w, _ = f.do(t, http.MethodPost, "/create_from_suggestion", map[string]any{"user_id": "u1", "target_user_id": "u2"})
	require.Equal(t, http.StatusOK, w.Code)
	w, body = f.do(t, http.MethodPost, "/create_from_suggestion", map[string]any{"user_id": "u2", "target_user_id": "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["mutual"])

	w, body = f.do(t, http.MethodGet, "/matches/u1?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["matches"], 1)
}

func TestHealthz(t *testing.T) {
	f := setup(t, Options{Checks: map[string]HealthCheck{
		"db": func(context.Context) error { return nil },
	}})
	w, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	f = setup(t, Options{Checks: map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	w, body = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestRateLimit(t *testing.T) {
	f := setup(t, Options{RatePerMinute: 2})
	for i := 0; i < 2; i++ {
		w, _ := f.do(t, http.MethodGet, "/queue/stats", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, body := f.do(t, http.MethodGet, "/queue/stats", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", errCode(body))

	// health is not rate limited
	w, _ = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientLimiterRefillsAndEvicts(t *testing.T) {
	l := newClientLimiter(60)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		require.True(t, l.allow("a", now))
	}
	assert.False(t, l.allow("a", now))
	assert.True(t, l.allow("b", now))
	assert.True(t, l.allow("a", now.Add(time.Second)))

	l.allow("c", now.Add(time.Hour))
	assert.Len(t, l.buckets, 1)
}
