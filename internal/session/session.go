// Package session stores authenticated sessions in Redis. A session carries
// the caller's identity and capability grants so a request can be authorised
// without a round trip to the user store.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	sessionPrefix = "session:"
	sessionIDLen  = 32
)

var (
	// ErrNotFound is returned for unknown or deleted sessions.
	ErrNotFound = stderrors.New("session not found")
	// ErrExpired is returned for sessions past their expiry.
	ErrExpired = stderrors.New("session expired")
)

// Session is the stored session payload.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
	Domains   []string  `json:"domains"`
	Metrics   []string  `json:"metrics"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager handles session storage and retrieval
type Manager struct {
	redis  *redis.Client
	expiry time.Duration
	now    func() time.Time
}

// NewManager creates a new session manager
func NewManager(redisClient *redis.Client, expiry time.Duration) *Manager {
	return &Manager{
		redis:  redisClient,
		expiry: expiry,
		now:    time.Now,
	}
}

// Create stores s under a fresh random ID and returns the stored session.
// ID, CreatedAt and ExpiresAt are assigned here.
func (m *Manager) Create(ctx context.Context, s Session) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	s.ID = id
	s.CreatedAt = now
	s.ExpiresAt = now.Add(m.expiry)

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.redis.Set(ctx, sessionPrefix+id, data, m.expiry).Err(); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return &s, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.redis.Get(ctx, sessionPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if m.now().After(s.ExpiresAt) {
		_ = m.Delete(ctx, sessionID)
		return nil, ErrExpired
	}
	return &s, nil
}

// Delete removes a session
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.redis.Del(ctx, sessionPrefix+sessionID).Err()
}

// Refresh slides the expiry of a live session forward.
func (m *Manager) Refresh(ctx context.Context, sessionID string) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.ExpiresAt = m.now().Add(m.expiry)

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return m.redis.Set(ctx, sessionPrefix+sessionID, data, m.expiry).Err()
}

// Ping checks the backing store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

func generateSessionID() (string, error) {
	b := make([]byte, sessionIDLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
