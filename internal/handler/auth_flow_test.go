package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/auth-session-api/internal/middleware"
	"github.com/noah-isme/auth-session-api/internal/models"
	"github.com/noah-isme/auth-session-api/internal/repository"
	"github.com/noah-isme/auth-session-api/internal/service"
	"github.com/noah-isme/auth-session-api/internal/store"
	"github.com/noah-isme/auth-session-api/internal/token"
	appErrors "github.com/noah-isme/auth-session-api/pkg/errors"
	"github.com/noah-isme/auth-session-api/pkg/response"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	router *gin.Engine
	clock  *testClock
	repo   *repository.MemoryUserRepository
}

func newTestServer(t *testing.T, probes map[string]ReadinessProbe) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	users, err := repository.DemoUsers(bcrypt.MinCost)
	require.NoError(t, err)
	repo := repository.NewMemoryUserRepository(users...)

	clock := &testClock{now: time.Now().Truncate(time.Second)}
	tokens, err := token.NewPair("access-secret", "refresh-secret", 15*time.Second, 7*24*time.Hour, token.WithClock(clock.Now))
	require.NoError(t, err)

	metrics := service.NewMetricsService()
	authSvc := service.NewAuthService(repo, store.NewMemoryStore(), tokens, nil, nil, service.WithMetrics(metrics))

	router := gin.New()
	router.Use(middleware.Metrics(metrics))
	Routes{
		APIPrefix: "/api",
		Auth:      NewAuthHandler(authSvc),
		User:      NewUserHandler(service.NewUserService(repo, nil)),
		Metrics:   NewMetricsHandler(metrics, probes),
		Guard:     middleware.JWT(authSvc),
	}.Register(router)

	return &testServer{router: router, clock: clock, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, username, password string) models.LoginResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/login", `{"username":"`+username+`","password":"`+password+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res models.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func refreshBody(raw string) string {
	body, _ := json.Marshal(map[string]string{"refreshToken": raw})
	return string(body)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestLoginExpireRefreshProfile(t *testing.T) {
	srv := newTestServer(t, nil)

	login := srv.login(t, "demo", "password")
	assert.Equal(t, "demo", login.User.Username)
	assert.Equal(t, models.RoleAdmin, login.User.Role)
	assert.NotEmpty(t, login.AccessToken)
	assert.NotEmpty(t, login.RefreshToken)

	rec := srv.do(t, http.MethodGet, "/api/user/profile", "", login.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	srv.clock.Advance(16 * time.Second)
	rec = srv.do(t, http.MethodGet, "/api/user/profile", "", login.AccessToken)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, errorCode(t, rec))

	rec = srv.do(t, http.MethodPost, "/api/auth/refresh", refreshBody(login.RefreshToken), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEqual(t, login.RefreshToken, pair.RefreshToken)

	rec = srv.do(t, http.MethodGet, "/api/user/profile", "", pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.NotContains(t, rec.Body.String(), "$2a$")

	var profile models.UserInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, models.UserInfo{ID: "1", Username: "demo", Email: "demo@example.com", Role: models.RoleAdmin}, profile)
}

func TestLogoutThenRefreshIsRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login(t, "user", "password")

	rec := srv.do(t, http.MethodPost, "/api/auth/logout", refreshBody(login.RefreshToken), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = srv.do(t, http.MethodPost, "/api/auth/refresh", refreshBody(login.RefreshToken), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, appErrors.ErrTokenNotRecognized.Code, errorCode(t, rec))
}

func TestLogoutAlwaysNoContent(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, body := range []string{"", "{", `{}`, refreshBody("never-issued")} {
		rec := srv.do(t, http.MethodPost, "/api/auth/logout", body, "")
		assert.Equal(t, http.StatusNoContent, rec.Code, "body %q", body)
	}
}

func TestLoginFailures(t *testing.T) {
	srv := newTestServer(t, nil)

	wrong := srv.do(t, http.MethodPost, "/api/auth/login", `{"username":"demo","password":"wrong"}`, "")
	unknown := srv.do(t, http.MethodPost, "/api/auth/login", `{"username":"ghost","password":"password"}`, "")
	for _, rec := range []*httptest.ResponseRecorder{wrong, unknown} {
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, appErrors.ErrInvalidCredentials.Code, errorCode(t, rec))
	}
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())

	malformed := srv.do(t, http.MethodPost, "/api/auth/login", `{"username":`, "")
	assert.Equal(t, http.StatusBadRequest, malformed.Code)
}

func TestRefreshFailures(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login(t, "demo", "password")

	cases := map[string]struct {
		body   string
		status int
		code   string
	}{
		"missing":       {body: `{}`, status: http.StatusUnauthorized, code: appErrors.ErrMissingToken.Code},
		"empty body":    {body: ``, status: http.StatusUnauthorized, code: appErrors.ErrMissingToken.Code},
		"never issued":  {body: refreshBody("garbage"), status: http.StatusForbidden, code: appErrors.ErrTokenNotRecognized.Code},
		"access token":  {body: refreshBody(login.AccessToken), status: http.StatusForbidden, code: appErrors.ErrTokenNotRecognized.Code},
		"still allowed": {body: refreshBody(login.RefreshToken), status: http.StatusOK},
		"reused":        {body: refreshBody(login.RefreshToken), status: http.StatusForbidden, code: appErrors.ErrTokenNotRecognized.Code},
	}
	for _, name := range []string{"missing", "empty body", "never issued", "access token", "still allowed", "reused"} {
		tc := cases[name]
		t.Run(name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/api/auth/refresh", tc.body, "")
			assert.Equal(t, tc.status, rec.Code)
			if tc.code != "" {
				assert.Equal(t, tc.code, errorCode(t, rec))
			}
		})
	}
}

func TestRefreshAfterExpiryForcesLogin(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login(t, "demo", "password")

	srv.clock.Advance(8 * 24 * time.Hour)
	rec := srv.do(t, http.MethodPost, "/api/auth/refresh", refreshBody(login.RefreshToken), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, appErrors.ErrTokenExpiredOrInvalid.Code, errorCode(t, rec))
}

func TestConcurrentRefreshOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	login := srv.login(t, "demo", "password")

	const clients = 8
	statuses := make(chan int, clients)
	var wg sync.WaitGroup
	wg.Add(clients)
	for i := 0; i < clients; i++ {
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewBufferString(refreshBody(login.RefreshToken)))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			srv.router.ServeHTTP(rec, req)
			statuses <- rec.Code
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for status := range statuses {
		counts[status]++
	}
	assert.Equal(t, 1, counts[http.StatusOK])
	assert.Equal(t, clients-1, counts[http.StatusForbidden])
}

func TestProfileForRemovedUser(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.repo.Put(models.User{ID: "9", Username: "temp", Role: models.RoleUser, PasswordHash: mustHash(t, "pw")})
	login := srv.login(t, "temp", "pw")

	srv.repo.Delete("9")
	rec := srv.do(t, http.MethodGet, "/api/user/profile", "", login.AccessToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, appErrors.ErrNotFound.Code, errorCode(t, rec))
}

func TestHealthReadyMetrics(t *testing.T) {
	srv := newTestServer(t, map[string]ReadinessProbe{
		"store": func(context.Context) error { return nil },
	})

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/ready", "", "").Code)

	srv.login(t, "demo", "password")
	rec := srv.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `auth_events_total{event="login",outcome="success"} 1`)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestReadyReportsFailingProbe(t *testing.T) {
	srv := newTestServer(t, map[string]ReadinessProbe{
		"redis": func(context.Context) error { return errors.New("dial tcp: connection refused") },
	})

	rec := srv.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}
