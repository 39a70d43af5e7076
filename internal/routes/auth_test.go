package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/procpulse/auth-api/internal/auth"
	"github.com/procpulse/auth-api/internal/config"
	"github.com/procpulse/auth-api/internal/middleware"
	"github.com/procpulse/auth-api/internal/models"
	"github.com/procpulse/auth-api/internal/store"
	"github.com/procpulse/auth-api/internal/token"
)

// In-memory stores so the HTTP surface is tested end to end without
// Postgres or Redis.

type memUsers struct {
	mu   sync.Mutex
	byID map[string]*models.User
}

func (m *memUsers) GetByIdentifier(_ context.Context, identifier string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == identifier || strings.EqualFold(u.Email, identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memUsers) GetByID(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == user.Username || u.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	cp := *user
	m.byID[user.ID] = &cp
	return nil
}

func (m *memUsers) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, userID)
	return nil
}

func (m *memUsers) IncrementFailedAttempts(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	u.FailedAttempts++
	return u.FailedAttempts, nil
}

func (m *memUsers) SetLock(_ context.Context, userID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[userID].LockUntil = &until
	return nil
}

func (m *memUsers) ResetFailureState(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[userID].FailedAttempts = 0
	m.byID[userID].LockUntil = nil
	return nil
}

func (m *memUsers) TouchLastLogin(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.byID[userID].LastLoginAt = &now
	return nil
}

type memSessions struct {
	mu     sync.Mutex
	byUser map[string][]*models.Session
}

func (m *memSessions) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[s.UserID] = append(m.byUser[s.UserID], s)
	return nil
}

func (m *memSessions) DeleteAllForUser(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.byUser[userID]))
	delete(m.byUser, userID)
	return n, nil
}

type memAudit struct{}

func (memAudit) Append(context.Context, *models.AuditEvent) error { return nil }

type memLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	down   bool
}

func (m *memLimiter) Get(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errors.New("redis down")
	}
	return m.counts[id], nil
}

func (m *memLimiter) Increment(_ context.Context, id string, _ time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errors.New("redis down")
	}
	m.counts[id]++
	return m.counts[id], nil
}

func (m *memLimiter) Reset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, id)
	return nil
}

type handlerEnv struct {
	app     *fiber.App
	users   *memUsers
	limiter *memLimiter
	tokens  *token.Issuer
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	cfg := &config.Config{
		JWT: config.JWTConfig{
			Secret:   "test-secret",
			TokenTTL: 24 * time.Hour,
			Issuer:   "procpulse-auth",
			Audience: "procpulse-api",
		},
		Auth: config.AuthConfig{
			MaxAttempts:       5,
			AttemptWindow:     15 * time.Minute,
			LimiterTimeout:    150 * time.Millisecond,
			LockThreshold:     5,
			LockDuration:      30 * time.Minute,
			SessionTTL:        7 * 24 * time.Hour,
			MinPasswordLength: 8,
			BcryptCost:        bcrypt.MinCost,
		},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &handlerEnv{
		users:   &memUsers{byID: make(map[string]*models.User)},
		limiter: &memLimiter{counts: make(map[string]int)},
		tokens:  token.NewIssuer(&cfg.JWT),
	}
	sessions := &memSessions{byUser: make(map[string][]*models.Session)}
	service := auth.NewService(env.users, sessions, memAudit{}, env.limiter, env.tokens, cfg, logger)

	handler := NewAuthHandler(service, logger)
	authMw := middleware.NewAuthMiddleware(env.tokens, logger)

	app := fiber.New()
	app.Get("/health", healthCheck)
	api := app.Group("/api/v1")
	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", handler.Register)
	authRoutes.Post("/login", handler.Login)
	authRoutes.Post("/validate", handler.Validate)
	authRoutes.Post("/logout", handler.Logout)
	protected := api.Group("/auth")
	protected.Use(authMw.Authenticate())
	protected.Get("/me", handler.Me)

	env.app = app
	return env
}

func (e *handlerEnv) post(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &body)
	return body.Error.Code
}

func TestAuthEndpoints_RegisterLoginFlow(t *testing.T) {
	env := newHandlerEnv(t)

	// Register
	resp := env.post(t, "/api/v1/auth/register", models.RegisterRequest{
		Username: "alice", Email: "alice@x.com", Password: "password123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var registered models.AuthResponse
	decodeJSON(t, resp, &registered)
	assert.Equal(t, "alice", registered.User.Username)
	assert.NotEmpty(t, registered.Token)

	// Duplicate register
	resp = env.post(t, "/api/v1/auth/register", models.RegisterRequest{
		Username: "alice", Email: "alice@x.com", Password: "password123",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Short password
	resp = env.post(t, "/api/v1/auth/register", models.RegisterRequest{
		Username: "bob", Email: "bob@x.com", Password: "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Login
	resp = env.post(t, "/api/v1/auth/login", models.LoginRequest{
		Username: "alice", Password: "password123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loggedIn models.AuthResponse
	decodeJSON(t, resp, &loggedIn)
	assert.NotEmpty(t, loggedIn.Token)

	// Validate
	resp = env.post(t, "/api/v1/auth/validate", models.TokenRequest{Token: loggedIn.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var validated models.ValidateResponse
	decodeJSON(t, resp, &validated)
	assert.True(t, validated.Valid)
}

func TestAuthEndpoints_LockoutScenario(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.post(t, "/api/v1/auth/register", models.RegisterRequest{
		Username: "alice", Email: "alice@x.com", Password: "password123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Five wrong passwords; the fifth still reads 401.
	var last int
	for i := 0; i < 5; i++ {
		resp = env.post(t, "/api/v1/auth/login", models.LoginRequest{
			Username: "alice", Password: "wrongpass",
		})
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusUnauthorized, last)

	// Sixth attempt, even with the correct password, is locked out.
	// The ephemeral limiter fires first at its shared threshold, so
	// silence it to observe the durable lock.
	env.limiter.mu.Lock()
	env.limiter.counts = map[string]int{}
	env.limiter.mu.Unlock()

	resp = env.post(t, "/api/v1/auth/login", models.LoginRequest{
		Username: "alice", Password: "password123",
	})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "ACCOUNT_LOCKED", errorCode(t, resp))
}

func TestAuthEndpoints_RateLimited(t *testing.T) {
	env := newHandlerEnv(t)

	env.limiter.mu.Lock()
	env.limiter.counts["ghost"] = 5
	env.limiter.mu.Unlock()

	resp := env.post(t, "/api/v1/auth/login", models.LoginRequest{
		Username: "ghost", Password: "whatever1",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, resp))
}

func TestAuthEndpoints_UnknownUserIsGeneric401(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.post(t, "/api/v1/auth/login", models.LoginRequest{
		Username: "ghost", Password: "whatever1",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, resp))
}

func TestAuthEndpoints_LogoutAlways200(t *testing.T) {
	env := newHandlerEnv(t)

	for _, tokenString := range []string{"", "garbage", "a.b.c"} {
		resp := env.post(t, "/api/v1/auth/logout", models.TokenRequest{Token: tokenString})
		assert.Equal(t, http.StatusOK, resp.StatusCode, "token %q", tokenString)
	}

	// Malformed body is still a 200.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthEndpoints_ValidateBadToken(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.post(t, "/api/v1/auth/validate", models.TokenRequest{Token: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, resp))

	resp = env.post(t, "/api/v1/auth/validate", models.TokenRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthEndpoints_Me(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.post(t, "/api/v1/auth/register", models.RegisterRequest{
		Username: "alice", Email: "alice@x.com", Password: "password123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var registered models.AuthResponse
	decodeJSON(t, resp, &registered)

	// Without a token.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	noAuth, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, noAuth.StatusCode)

	// With the bearer token.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+registered.Token)
	withAuth, err := env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, withAuth.StatusCode)

	var body struct {
		User models.PublicUser `json:"user"`
	}
	decodeJSON(t, withAuth, &body)
	assert.Equal(t, "alice", body.User.Username)
}

func TestHealthEndpoint(t *testing.T) {
	env := newHandlerEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
}
