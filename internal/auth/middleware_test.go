package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoRouter returns the caller's UserContext from every protected route.
func echoRouter(am *AuthManager) *gin.Engine {
	r := gin.New()
	r.Use(am.Middleware())
	echo := func(c *gin.Context) {
		uc, ok := CurrentUserContext(c)
		c.JSON(http.StatusOK, gin.H{"found": ok, "user": uc})
	}
	r.GET("/api/v1/analytics/quota", echo)
	r.GET("/api/v1/analytics/model", echo)
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/admin", am.RequireRole("admin"), echo)
	return r
}

type echoBody struct {
	Found bool        `json:"found"`
	User  UserContext `json:"user"`
}

func serve(t *testing.T, r http.Handler, req *http.Request) (*httptest.ResponseRecorder, echoBody) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body echoBody
	if w.Code == http.StatusOK && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestMiddleware_AuthenticationMethods(t *testing.T) {
	am := NewTestAuthManager(t, config.AuthConfig{JWTSecret: "s", RateLimit: 100})
	user := salesAnalyst(t, am)

	token, _, err := am.CreateJWTToken(user)
	require.NoError(t, err)
	key, err := am.CreateAPIKey(user.ID, "ci", 0, time.Hour)
	require.NoError(t, err)
	sess, err := am.CreateSession(context.Background(), user.ID)
	require.NoError(t, err)

	tests := []struct {
		name        string
		setup       func(*http.Request)
		wantStatus  int
		wantSession string
	}{
		{
			name:       "bearer token",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "api key",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", key.Key) },
			wantStatus: http.StatusOK,
		},
		{
			name:        "session cookie",
			setup:       func(r *http.Request) { r.AddCookie(&http.Cookie{Name: sessionCookie, Value: sess.ID}) },
			wantStatus:  http.StatusOK,
			wantSession: sess.ID,
		},
		{
			name:       "no credentials",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed bearer",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Token "+token) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown api key",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", "sa_nope") },
			wantStatus: http.StatusUnauthorized,
		},
	}

	r := echoRouter(am)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/quota", nil)
			tt.setup(req)

			w, body := serve(t, r, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Contains(t, w.Body.String(), string(errors.ErrCodeNotAuthenticated))
				return
			}
			assert.True(t, body.Found)
			assert.Equal(t, user.ID, body.User.UserID)
			assert.Equal(t, user.Grants, body.User.Grants)
			assert.Equal(t, tt.wantSession, body.User.SessionID)
		})
	}
}

func TestMiddleware_TokenGrantsAreSnapshotted(t *testing.T) {
	am := NewTestAuthManager(t, config.AuthConfig{JWTSecret: "s"})
	user := salesAnalyst(t, am)
	token, _, err := am.CreateJWTToken(user)
	require.NoError(t, err)

	_, err = am.SetGrants(user.ID, Grants{Domains: []string{"finance"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/quota", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, body := serve(t, echoRouter(am), req)
	assert.Equal(t, []string{"sales", "commerce"}, body.User.Grants.Domains)
}

func TestMiddleware_SkipsHealth(t *testing.T) {
	am := NewTestAuthManager(t, config.AuthConfig{JWTSecret: "s"})
	w := httptest.NewRecorder()
	echoRouter(am).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_AnonymousPublicEndpoint(t *testing.T) {
	am := NewTestAuthManager(t, config.AuthConfig{JWTSecret: "s", AllowAnonymous: true})
	r := echoRouter(am)

	w, body := serve(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/model", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, AnonymousUserID, body.User.UserID)
	assert.Empty(t, body.User.Grants.Domains)

	w, _ = serve(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/quota", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_RateLimit(t *testing.T) {
	am := NewTestAuthManager(t, config.AuthConfig{JWTSecret: "s", RateLimit: 3})
	user := salesAnalyst(t, am)
	token, _, err := am.CreateJWTToken(user)
	require.NoError(t, err)
	r := echoRouter(am)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/quota", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w, _ := serve(t, r, req)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/quota", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w, _ := serve(t, r, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp errors.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, errors.ErrCodeRateLimited, resp.Error.Code)
}

func TestMiddleware_APIKeyRateLimitOverride(t *testing.T) {
	am := NewTestAuthManager(t, config.AuthConfig{JWTSecret: "s", RateLimit: 100})
	user := salesAnalyst(t, am)
	key, err := am.CreateAPIKey(user.ID, "tight", 1, time.Hour)
	require.NoError(t, err)
	r := echoRouter(am)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/quota", nil)
		req.Header.Set("X-API-Key", key.Key)
		w, _ := serve(t, r, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRequireRole(t *testing.T) {
	am := NewTestAuthManager(t, config.AuthConfig{JWTSecret: "s"})
	user := salesAnalyst(t, am)
	admin, err := am.GetUser(AdminUserID)
	require.NoError(t, err)
	r := echoRouter(am)

	tests := []struct {
		name string
		user *User
		want int
	}{
		{"admin", admin, http.StatusOK},
		{"plain user", user, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _, err := am.CreateJWTToken(tt.user)
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w, _ := serve(t, r, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestShouldSkipAuth(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/metrics", true},
		{"/api/v1/auth/login", true},
		{"/api/v1/auth/status", true},
		{"/api/v1/auth/me", false},
		{"/api/v1/analytics/query", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldSkipAuth(tt.path), tt.path)
	}
}
