package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
)

const defaultAPIKeyExpiry = 30 * 24 * time.Hour

// AuthHandlers provides HTTP handlers for authentication endpoints
type AuthHandlers struct {
	authManager *AuthManager
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authManager *AuthManager) *AuthHandlers {
	return &AuthHandlers{authManager: authManager}
}

// SetupRoutes registers the auth, API key and user admin endpoints on r.
func (ah *AuthHandlers) SetupRoutes(r *gin.RouterGroup) {
	mw := ah.authManager.Middleware()

	r.POST("/auth/login", ah.Login)
	r.POST("/auth/logout", ah.Logout)
	r.GET("/auth/status", ah.GetAuthStatus)
	r.GET("/auth/me", mw, ah.GetCurrentUser)

	r.GET("/api-keys", mw, ah.ListAPIKeys)
	r.POST("/api-keys", mw, ah.CreateAPIKey)
	r.DELETE("/api-keys/:id", mw, ah.RevokeAPIKey)

	admin := r.Group("/admin", mw, ah.authManager.RequireRole("admin"))
	admin.GET("/users", ah.ListUsers)
	admin.POST("/users", ah.CreateUser)
	admin.PUT("/users/:id/grants", ah.SetGrants)
	admin.GET("/rate-limit-stats", ah.GetRateLimitStats)
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at"`
	User      *User  `json:"user"`
}

// Login checks the credentials and opens a session. The session id is also
// set as an HTTP-only cookie.
func (ah *AuthHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errors.NewInvalidInputError("body", err.Error()))
		return
	}

	user, err := ah.authManager.Authenticate(req.Username, req.Password)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sess, err := ah.authManager.CreateSession(c.Request.Context(), user.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cfg := ah.authManager.Config()
	c.SetCookie(sessionCookie, sess.ID, int(cfg.SessionExpiry.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, LoginResponse{
		Token:     sess.Token,
		SessionID: sess.ID,
		ExpiresAt: sess.CreatedAt.Add(cfg.JWTExpiry).Format(time.RFC3339),
		User:      user,
	})
}

// Logout revokes the cookie session, if any.
func (ah *AuthHandlers) Logout(c *gin.Context) {
	if sessionID, err := c.Cookie(sessionCookie); err == nil {
		_ = ah.authManager.RevokeSession(c.Request.Context(), sessionID)
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "logged out successfully"})
}

// GetCurrentUser returns the authenticated user and the grants in force for
// this request.
func (ah *AuthHandlers) GetCurrentUser(c *gin.Context) {
	user, exists := GetCurrentUser(c)
	if !exists {
		AbortWithError(c, errors.NewNotAuthenticatedError())
		return
	}
	uc, _ := CurrentUserContext(c)
	c.JSON(http.StatusOK, gin.H{"user": user, "grants": uc.Grants, "session_id": uc.SessionID})
}

// GetAuthStatus describes the auth configuration.
func (ah *AuthHandlers) GetAuthStatus(c *gin.Context) {
	cfg := ah.authManager.Config()
	c.JSON(http.StatusOK, gin.H{
		"authentication_enabled": true,
		"allow_anonymous":        cfg.AllowAnonymous,
		"rate_limit":             cfg.RateLimit,
		"jwt_expiry":             cfg.JWTExpiry.String(),
		"session_expiry":         cfg.SessionExpiry.String(),
	})
}

// CreateAPIKeyRequest represents a request to create an API key
type CreateAPIKeyRequest struct {
	Name      string `json:"name" binding:"required"`
	RateLimit int    `json:"rate_limit"`
	ExpiresIn string `json:"expires_in"` // e.g. "30d", "2w", "1y", "720h"
}

// CreateAPIKeyResponse carries the plaintext key. It is never shown again.
type CreateAPIKeyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAPIKey creates a key for the caller.
func (ah *AuthHandlers) CreateAPIKey(c *gin.Context) {
	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errors.NewInvalidInputError("body", err.Error()))
		return
	}

	userID, exists := GetCurrentUserID(c)
	if !exists {
		AbortWithError(c, errors.NewNotAuthenticatedError())
		return
	}

	expiresIn, err := parseDuration(req.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		AbortWithError(c, errors.NewInvalidInputError("expires_in", "use a positive duration such as 30d, 2w, 1y or 720h"))
		return
	}
	if req.RateLimit < 0 {
		AbortWithError(c, errors.NewInvalidInputError("rate_limit", "must not be negative"))
		return
	}

	apiKey, err := ah.authManager.CreateAPIKey(userID, req.Name, req.RateLimit, expiresIn)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{
		ID:        apiKey.ID,
		Name:      apiKey.Name,
		Key:       apiKey.Key,
		ExpiresAt: apiKey.ExpiresAt,
		CreatedAt: apiKey.CreatedAt,
	})
}

// ListAPIKeys returns the caller's keys.
func (ah *AuthHandlers) ListAPIKeys(c *gin.Context) {
	userID, exists := GetCurrentUserID(c)
	if !exists {
		AbortWithError(c, errors.NewNotAuthenticatedError())
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": ah.authManager.ListAPIKeys(userID)})
}

// RevokeAPIKey revokes one of the caller's keys. Admins may revoke any key.
func (ah *AuthHandlers) RevokeAPIKey(c *gin.Context) {
	uc, _ := CurrentUserContext(c)
	if err := ah.authManager.RevokeAPIKey(c.Param("id"), uc); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key revoked successfully"})
}

// CreateUserRequest represents a request to create a user
type CreateUserRequest struct {
	Username string   `json:"username" binding:"required"`
	Email    string   `json:"email" binding:"required"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
	Grants   Grants   `json:"grants"`
}

// CreateUser creates a user (admin only).
func (ah *AuthHandlers) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errors.NewInvalidInputError("body", err.Error()))
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []string{"user"}
	}

	user, err := ah.authManager.CreateUser(req.Username, req.Email, req.Password, req.Roles, req.Grants)
	if err != nil {
		if errors.Is(err, errors.ErrCodeInvalidInput) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// SetGrants replaces a user's grants (admin only).
func (ah *AuthHandlers) SetGrants(c *gin.Context) {
	var grants Grants
	if err := c.ShouldBindJSON(&grants); err != nil {
		AbortWithError(c, errors.NewInvalidInputError("body", err.Error()))
		return
	}

	user, err := ah.authManager.SetGrants(c.Param("id"), grants)
	if err != nil {
		if _, ok := errors.As(err); ok {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

// ListUsers returns all users (admin only).
func (ah *AuthHandlers) ListUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": ah.authManager.ListUsers()})
}

// GetRateLimitStats returns per-client limiter usage (admin only).
func (ah *AuthHandlers) GetRateLimitStats(c *gin.Context) {
	stats := ah.authManager.Limiter().Stats()
	c.JSON(http.StatusOK, gin.H{"total_clients": len(stats), "clients": stats})
}

// parseDuration accepts "d", "w" and "y" suffixes on top of time.ParseDuration.
// Empty means 30 days.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return defaultAPIKeyExpiry, nil
	}

	units := map[string]time.Duration{
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
		"y": 365 * 24 * time.Hour,
	}
	if unit, ok := units[s[len(s)-1:]]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(s[:len(s)-1]))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * unit, nil
	}
	return time.ParseDuration(s)
}
