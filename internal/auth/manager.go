package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/session"
)

const (
	// AdminUserID is fixed so every replica agrees on the bootstrap admin.
	AdminUserID = "00000000-0000-0000-0000-000000000001"

	tokenIssuer  = "semantic-analytics"
	apiKeyPrefix = "sa_"
)

// User represents a user in the system
type User struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	Email        string            `json:"email"`
	PasswordHash string            `json:"-"`
	Roles        []string          `json:"roles"`
	Grants       Grants            `json:"grants"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Active       bool              `json:"active"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Key        string    `json:"key,omitempty"` // plaintext, only set on creation
	HashedKey  string    `json:"-"`
	UserID     string    `json:"user_id"`
	RateLimit  int       `json:"rate_limit"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Active     bool      `json:"active"`
}

// Claims are the JWT claims. Grants are snapshotted at issue time.
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Grants   Grants   `json:"grants"`
	jwt.RegisteredClaims
}

// AuthManager handles authentication and user management
type AuthManager struct {
	config         config.AuthConfig
	users          map[string]*User
	apiKeys        map[string]*APIKey // hashed key -> key
	userByUsername map[string]*User
	sessions       *session.Manager
	limiter        *RateLimiter
	logger         *observability.Logger
	now            func() time.Time
	mu             sync.RWMutex
}

// NewAuthManager creates a new authentication manager with the bootstrap
// admin user.
func NewAuthManager(cfg config.AuthConfig, sessions *session.Manager, logger *observability.Logger) *AuthManager {
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}
	if cfg.SessionExpiry == 0 {
		cfg.SessionExpiry = 7 * 24 * time.Hour
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 60
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = generateRandomString(32)
		logger.Warn(context.Background(), "JWT_SECRET not set, using a random per-process secret", nil)
	}

	am := &AuthManager{
		config:         cfg,
		users:          make(map[string]*User),
		apiKeys:        make(map[string]*APIKey),
		userByUsername: make(map[string]*User),
		sessions:       sessions,
		limiter:        NewRateLimiter(),
		logger:         logger,
		now:            time.Now,
	}
	am.bootstrapAdmin()
	return am
}

// Limiter returns the request rate limiter used by Middleware.
func (am *AuthManager) Limiter() *RateLimiter {
	return am.limiter
}

// Config returns the effective configuration.
func (am *AuthManager) Config() config.AuthConfig {
	return am.config
}

// CreateUser creates a user. Admins always receive every grant.
func (am *AuthManager) CreateUser(username, email, password string, roles []string, grants Grants) (*User, error) {
	if username == "" {
		return nil, errors.NewInvalidInputError("username", "must not be empty")
	}

	var passwordHash string
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		passwordHash = string(hashed)
	}
	if hasRole(roles, "admin") {
		grants = AllGrants()
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	if _, exists := am.userByUsername[username]; exists {
		return nil, errors.NewInvalidInputError("username", fmt.Sprintf("user %q already exists", username))
	}

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Roles:        roles,
		Grants:       grants,
		Metadata:     make(map[string]string),
		Active:       true,
	}
	am.users[user.ID] = user
	am.userByUsername[username] = user
	return user, nil
}

// Authenticate checks a username and password. Users without a password
// cannot log in interactively.
func (am *AuthManager) Authenticate(username, password string) (*User, error) {
	user, err := am.GetUserByUsername(username)
	if err != nil || !user.Active || user.PasswordHash == "" {
		return nil, errors.NewInvalidCredentialsError()
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, errors.NewInvalidCredentialsError()
	}
	return user, nil
}

// SetGrants replaces a non-admin user's grants. Existing tokens and sessions
// keep their snapshot until they expire.
func (am *AuthManager) SetGrants(userID string, grants Grants) (*User, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	user, exists := am.users[userID]
	if !exists {
		return nil, fmt.Errorf("user not found: %s", userID)
	}
	if hasRole(user.Roles, "admin") {
		return nil, errors.NewInvalidInputError("grants", "admin grants cannot be narrowed")
	}
	user.Grants = grants
	return user, nil
}

// GetUser retrieves a user by ID
func (am *AuthManager) GetUser(userID string) (*User, error) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	user, exists := am.users[userID]
	if !exists {
		return nil, fmt.Errorf("user not found: %s", userID)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (am *AuthManager) GetUserByUsername(username string) (*User, error) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	user, exists := am.userByUsername[username]
	if !exists {
		return nil, fmt.Errorf("user not found: %s", username)
	}
	return user, nil
}

// ListUsers returns all users ordered by username.
func (am *AuthManager) ListUsers() []*User {
	am.mu.RLock()
	defer am.mu.RUnlock()

	users := make([]*User, 0, len(am.users))
	for _, user := range am.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// CreateAPIKey creates a new API key for a user. The plaintext key is only
// available on the returned value.
func (am *AuthManager) CreateAPIKey(userID, name string, rateLimit int, expiresIn time.Duration) (*APIKey, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if _, exists := am.users[userID]; !exists {
		return nil, fmt.Errorf("user not found: %s", userID)
	}

	key := generateAPIKey()
	now := am.now()
	apiKey := &APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Key:       key,
		HashedKey: hashAPIKey(key),
		UserID:    userID,
		RateLimit: rateLimit,
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
		Active:    true,
	}
	out := *apiKey
	apiKey.Key = ""
	am.apiKeys[apiKey.HashedKey] = apiKey
	return &out, nil
}

// ValidateAPIKey validates an API key and returns the associated user
func (am *AuthManager) ValidateAPIKey(key string) (*User, *APIKey, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	apiKey, exists := am.apiKeys[hashAPIKey(key)]
	if !exists {
		return nil, nil, fmt.Errorf("invalid API key")
	}
	if !apiKey.Active {
		return nil, nil, fmt.Errorf("API key is inactive")
	}
	now := am.now()
	if now.After(apiKey.ExpiresAt) {
		return nil, nil, fmt.Errorf("API key has expired")
	}

	user, exists := am.users[apiKey.UserID]
	if !exists {
		return nil, nil, fmt.Errorf("user not found for API key")
	}
	if !user.Active {
		return nil, nil, fmt.Errorf("user is inactive")
	}

	apiKey.LastUsedAt = now
	return user, apiKey, nil
}

// RevokeAPIKey deactivates a key. Only the owner or an admin may revoke it.
func (am *AuthManager) RevokeAPIKey(keyID string, caller UserContext) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	for _, apiKey := range am.apiKeys {
		if apiKey.ID != keyID {
			continue
		}
		if apiKey.UserID != caller.UserID && !caller.IsAdmin() {
			break
		}
		apiKey.Active = false
		return nil
	}
	return fmt.Errorf("API key not found: %s", keyID)
}

// ListAPIKeys returns a user's keys without their plaintext.
func (am *AuthManager) ListAPIKeys(userID string) []*APIKey {
	am.mu.RLock()
	defer am.mu.RUnlock()

	keys := make([]*APIKey, 0)
	for _, apiKey := range am.apiKeys {
		if apiKey.UserID == userID {
			keyCopy := *apiKey
			keyCopy.Key = ""
			keys = append(keys, &keyCopy)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys
}

// CleanupExpired removes expired API keys. Sessions expire through Redis TTLs.
func (am *AuthManager) CleanupExpired() {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := am.now()
	for hash, apiKey := range am.apiKeys {
		if now.After(apiKey.ExpiresAt) {
			delete(am.apiKeys, hash)
		}
	}
}

// CreateJWTToken issues a signed token for user.
func (am *AuthManager) CreateJWTToken(user *User) (string, time.Time, error) {
	now := am.now()
	expiresAt := now.Add(am.config.JWTExpiry)

	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Roles:    user.Roles,
		Grants:   user.Grants,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   user.ID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(am.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateJWTToken validates a token and checks its user is still active.
func (am *AuthManager) ValidateJWTToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(am.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	user, err := am.GetUser(claims.UserID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, fmt.Errorf("user is inactive")
	}
	return claims, nil
}

// CreateSession issues a token for the user and stores a session carrying
// the user's current grants.
func (am *AuthManager) CreateSession(ctx context.Context, userID string) (*session.Session, error) {
	user, err := am.GetUser(userID)
	if err != nil {
		return nil, err
	}

	token, _, err := am.CreateJWTToken(user)
	if err != nil {
		return nil, errors.NewTokenCreationError(err)
	}

	sess, err := am.sessions.Create(ctx, session.Session{
		UserID:   user.ID,
		Username: user.Username,
		Roles:    user.Roles,
		Domains:  user.Grants.Domains,
		Metrics:  user.Grants.Metrics,
		Token:    token,
	})
	if err != nil {
		return nil, errors.NewSessionCreationError(err)
	}
	return sess, nil
}

// ValidateSession loads a session and its user, sliding the session expiry.
func (am *AuthManager) ValidateSession(ctx context.Context, sessionID string) (*User, *session.Session, error) {
	sess, err := am.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid session: %w", err)
	}

	user, err := am.GetUser(sess.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("user not found for session")
	}
	if !user.Active {
		return nil, nil, fmt.Errorf("user is inactive")
	}

	if err := am.sessions.Refresh(ctx, sessionID); err != nil {
		am.logger.Warn(ctx, "failed to refresh session", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return user, sess, nil
}

// RevokeSession deletes a session.
func (am *AuthManager) RevokeSession(ctx context.Context, sessionID string) error {
	return am.sessions.Delete(ctx, sessionID)
}

// PingSessions checks the session store.
func (am *AuthManager) PingSessions(ctx context.Context) error {
	return am.sessions.Ping(ctx)
}

// bootstrapAdmin creates the admin user. Without ADMIN_PASSWORD the admin has
// no password and can only act through API keys created out of band.
func (am *AuthManager) bootstrapAdmin() {
	admin := &User{
		ID:       AdminUserID,
		Username: "admin",
		Email:    "admin@example.com",
		Roles:    []string{"admin", "user"},
		Grants:   AllGrants(),
		Metadata: make(map[string]string),
		Active:   true,
	}

	if am.config.AdminPassword != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(am.config.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			am.logger.Error(context.Background(), "failed to hash admin password", err, nil)
		} else {
			admin.PasswordHash = string(hashed)
		}
	}
	if admin.PasswordHash == "" {
		am.logger.Warn(context.Background(), "ADMIN_PASSWORD not set, admin login disabled", nil)
	}

	am.mu.Lock()
	am.users[admin.ID] = admin
	am.userByUsername[admin.Username] = admin
	am.mu.Unlock()

	am.logger.Info(context.Background(), "created bootstrap admin user", map[string]interface{}{
		"user_id": admin.ID,
	})
}

func generateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func generateAPIKey() string {
	return apiKeyPrefix + generateRandomString(32)
}

func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
