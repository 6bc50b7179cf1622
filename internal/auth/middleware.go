package auth

import (
	stderrors "errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
)

const (
	ctxUser        = "user"
	ctxUserID      = observability.UserKey
	ctxUsername    = "username"
	ctxRoles       = "roles"
	ctxUserContext = "user_context"

	// AnonymousUserID identifies unauthenticated callers on public endpoints.
	AnonymousUserID = "anonymous"

	sessionCookie = "session_id"
)

var errNoCredentials = stderrors.New("no credentials")

// identity is the outcome of authenticating one request.
type identity struct {
	user      *User
	grants    Grants
	sessionID string
	rateLimit int
}

// Middleware authenticates the request, applies the per-client rate limit and
// stores the caller on the gin context.
func (am *AuthManager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if shouldSkipAuth(path) {
			c.Next()
			return
		}

		id, err := am.authenticateRequest(c)
		if err != nil {
			if am.config.AllowAnonymous && isPublicEndpoint(path) {
				if !am.allow(c, "ip:"+c.ClientIP(), am.config.RateLimit) {
					return
				}
				c.Set(ctxUserContext, UserContext{UserID: AnonymousUserID})
				c.Next()
				return
			}
			AbortWithError(c, errors.NewNotAuthenticatedError())
			return
		}

		limit := am.config.RateLimit
		if id.rateLimit > 0 {
			limit = id.rateLimit
		}
		if !am.allow(c, "user:"+id.user.ID, limit) {
			return
		}

		c.Set(ctxUser, id.user)
		c.Set(ctxUserID, id.user.ID)
		c.Set(ctxUsername, id.user.Username)
		c.Set(ctxRoles, id.user.Roles)
		c.Set(ctxUserContext, UserContext{
			UserID:    id.user.ID,
			Username:  id.user.Username,
			Roles:     id.user.Roles,
			Grants:    id.grants,
			SessionID: id.sessionID,
		})
		c.Next()
	}
}

func (am *AuthManager) allow(c *gin.Context, clientID string, limit int) bool {
	if am.limiter.Allow(clientID, limit) {
		return true
	}
	AbortWithError(c, errors.NewRateLimitedError(limit))
	return false
}

// RequireRole rejects callers holding none of the given roles.
func (am *AuthManager) RequireRole(requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, exists := GetCurrentUser(c)
		if !exists {
			AbortWithError(c, errors.NewNotAuthenticatedError())
			return
		}
		for _, role := range requiredRoles {
			if hasRole(user.Roles, role) {
				c.Next()
				return
			}
		}
		AbortWithError(c, errors.NewInsufficientPermissionsError(strings.Join(requiredRoles, "|")))
	}
}

// authenticateRequest tries a bearer token, then an API key, then the
// session cookie.
func (am *AuthManager) authenticateRequest(c *gin.Context) (*identity, error) {
	if id, err := am.authenticateJWT(c); err == nil {
		return id, nil
	}
	if id, err := am.authenticateAPIKey(c); err == nil {
		return id, nil
	}
	if id, err := am.authenticateSession(c); err == nil {
		return id, nil
	}
	return nil, errNoCredentials
}

func (am *AuthManager) authenticateJWT(c *gin.Context) (*identity, error) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errNoCredentials
	}

	claims, err := am.ValidateJWTToken(parts[1])
	if err != nil {
		return nil, err
	}
	user, err := am.GetUser(claims.UserID)
	if err != nil {
		return nil, err
	}
	return &identity{user: user, grants: claims.Grants}, nil
}

func (am *AuthManager) authenticateAPIKey(c *gin.Context) (*identity, error) {
	key := c.GetHeader("X-API-Key")
	if key == "" {
		return nil, errNoCredentials
	}

	user, apiKey, err := am.ValidateAPIKey(key)
	if err != nil {
		return nil, err
	}
	return &identity{user: user, grants: user.Grants, rateLimit: apiKey.RateLimit}, nil
}

func (am *AuthManager) authenticateSession(c *gin.Context) (*identity, error) {
	sessionID, err := c.Cookie(sessionCookie)
	if err != nil {
		return nil, err
	}

	user, sess, err := am.ValidateSession(c.Request.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	return &identity{
		user:      user,
		grants:    Grants{Domains: sess.Domains, Metrics: sess.Metrics},
		sessionID: sess.ID,
	}, nil
}

func shouldSkipAuth(path string) bool {
	for _, prefix := range []string{"/health", "/metrics", "/api/v1/auth/login", "/api/v1/auth/status"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// isPublicEndpoint lists the read-only endpoints anonymous callers may use
// when AllowAnonymous is set.
func isPublicEndpoint(path string) bool {
	return path == "/api/v1/analytics/model"
}

// AbortWithError writes the standard error body and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	status, body := errors.ToResponse(err, c.GetString(observability.CorrelationKey))
	c.AbortWithStatusJSON(status, body)
}

// GetCurrentUser returns the authenticated user, if any.
func GetCurrentUser(c *gin.Context) (*User, bool) {
	value, exists := c.Get(ctxUser)
	if !exists {
		return nil, false
	}
	user, ok := value.(*User)
	return user, ok
}

// GetCurrentUserID returns the authenticated user's ID, if any.
func GetCurrentUserID(c *gin.Context) (string, bool) {
	value, exists := c.Get(ctxUserID)
	if !exists {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok
}

// CurrentUserContext returns the caller as the pipeline sees it. Anonymous
// callers on public endpoints get a context with no grants.
func CurrentUserContext(c *gin.Context) (UserContext, bool) {
	value, exists := c.Get(ctxUserContext)
	if !exists {
		return UserContext{}, false
	}
	uc, ok := value.(UserContext)
	return uc, ok
}
