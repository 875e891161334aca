package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/userauth/internal/metrics"
	"github.com/example/userauth/internal/password"
	"github.com/example/userauth/internal/session"
	"github.com/example/userauth/internal/store"
	"github.com/example/userauth/internal/token"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

type testServer struct {
	handler http.Handler
	app     *App
	clock   *testClock
}

func newTestServer(t *testing.T, loginPerMinute int) *testServer {
	t.Helper()
	st := store.NewMemoryDB()
	keys, err := token.SingleKey("v1", "handler-test-secret")
	require.NoError(t, err)

	clock := &testClock{t: time.Now()}
	m := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := token.NewService(keys, st, token.WithClock(clock.Now), token.WithRecorder(m))
	sess := session.New(st, password.NewBcrypt(bcrypt.MinCost), tokens, log, session.WithRecorder(m))

	app := &App{
		Store:        st,
		Session:      sess,
		Log:          log,
		Metrics:      m,
		loginLimiter: NewRateLimiter(loginPerMinute),
	}
	return &testServer{handler: app.Router(), app: app, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) login(t *testing.T, email, pw string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/users/login", "", creds{Email: email, Password: pw})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[tokenResponse](t, rec).AccessToken
}

func TestCreateAndAuthenticate(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.do(t, http.MethodPost, "/users/", "", creds{Email: "alice@example.com", Password: "pw123"})
	require.Equal(t, http.StatusCreated, rec.Code)
	u := decode[userResponse](t, rec)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = s.do(t, http.MethodPost, "/users/authenticate", "", creds{Email: "alice@example.com", Password: "pw123"})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[tokenResponse](t, rec)
	assert.Equal(t, "bearer", tok.TokenType)
	assert.NotEmpty(t, tok.AccessToken)

	wrong := s.do(t, http.MethodPost, "/users/authenticate", "", creds{Email: "alice@example.com", Password: "nope"})
	unknown := s.do(t, http.MethodPost, "/users/login", "", creds{Email: "ghost@example.com", Password: "pw123"})
	require.Equal(t, http.StatusUnauthorized, wrong.Code)
	require.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
	assert.Equal(t, "INVALID_CREDENTIALS", decode[APIError](t, wrong).Code)
}

func TestCreateUser_Errors(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.do(t, http.MethodPost, "/users/", "", creds{Email: "dup@example.com", Password: "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/users/", "", creds{Email: "dup@example.com", Password: "pw"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "USER_EXISTS", decode[APIError](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/users/", "", creds{Email: "", Password: "pw"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/users/", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	s.handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[APIError](t, raw).Code)
}

func TestGetListUpdate(t *testing.T) {
	s := newTestServer(t, 100)

	a := decode[userResponse](t, s.do(t, http.MethodPost, "/users/", "", creds{Email: "a@example.com", Password: "pw"}))
	s.do(t, http.MethodPost, "/users/", "", creds{Email: "b@example.com", Password: "pw"})

	rec := s.do(t, http.MethodGet, "/users/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]userResponse](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "a@example.com", list[0].Email)

	rec = s.do(t, http.MethodGet, "/users/999", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "USER_NOT_FOUND", decode[APIError](t, rec).Code)

	newEmail := "a2@example.com"
	rec = s.do(t, http.MethodPut, "/users/1", "", userUpdate{Email: &newEmail})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, newEmail, decode[userResponse](t, rec).Email)

	taken := "b@example.com"
	rec = s.do(t, http.MethodPut, "/users/1", "", userUpdate{Email: &taken})
	require.Equal(t, http.StatusConflict, rec.Code)

	newPw := "pw2"
	rec = s.do(t, http.MethodPut, "/users/1", "", userUpdate{Password: &newPw})
	require.Equal(t, http.StatusOK, rec.Code)
	s.login(t, newEmail, "pw2")

	rec = s.do(t, http.MethodGet, "/users/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decode[userResponse](t, rec).ID)
}

func TestDeleteRequiresToken(t *testing.T) {
	s := newTestServer(t, 100)
	s.do(t, http.MethodPost, "/users/", "", creds{Email: "a@example.com", Password: "pw"})
	s.do(t, http.MethodPost, "/users/", "", creds{Email: "b@example.com", Password: "pw"})

	rec := s.do(t, http.MethodDelete, "/users/2", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[APIError](t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = s.do(t, http.MethodDelete, "/users/2", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", decode[APIError](t, rec).Code)

	tok := s.login(t, "a@example.com", "pw")
	rec = s.do(t, http.MethodDelete, "/users/2", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User with id 2 has been deleted successfully.", decode[messageResponse](t, rec).Message)

	rec = s.do(t, http.MethodDelete, "/users/2", tok, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogoutFlow(t *testing.T) {
	s := newTestServer(t, 100)
	s.do(t, http.MethodPost, "/users/", "", creds{Email: "bob@example.com", Password: "pw"})
	tok := s.login(t, "bob@example.com", "pw")

	rec := s.do(t, http.MethodPost, "/users/logout", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logout successful", decode[messageResponse](t, rec).Message)

	rec = s.do(t, http.MethodDelete, "/users/1", tok, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REVOKED", decode[APIError](t, rec).Code)

	// idempotent
	rec = s.do(t, http.MethodPost, "/users/logout", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/users/logout", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", decode[APIError](t, rec).Code)
}

func TestLogoutExpired(t *testing.T) {
	s := newTestServer(t, 100)
	s.do(t, http.MethodPost, "/users/", "", creds{Email: "eve@example.com", Password: "pw"})
	tok := s.login(t, "eve@example.com", "pw")

	s.clock.t = s.clock.t.Add(token.DefaultTTL + time.Second)

	rec := s.do(t, http.MethodPost, "/users/logout", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Token has already expired.", decode[messageResponse](t, rec).Message)

	rec = s.do(t, http.MethodDelete, "/users/1", tok, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_EXPIRED", decode[APIError](t, rec).Code)
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	body := creds{Email: "ghost@example.com", Password: "x"}

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/users/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/users/authenticate", "", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decode[APIError](t, rec).Code)

	// other routes are not throttled
	rec = s.do(t, http.MethodGet, "/users/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAmbientRoutes(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())

	s.do(t, http.MethodGet, "/users/", "", nil)
	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `userauth_http_requests_total{method="GET",route="/users/",status="200"}`)
}

func TestRequestIDPropagates(t *testing.T) {
	s := newTestServer(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, 100)
	s.app.AllowedOrigins = []string{"https://app.example"}

	req := httptest.NewRequest(http.MethodOptions, "/users/login", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/users/login", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
