package auth

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/seanankenbruck/semantic-analytics/internal/config"
	"github.com/seanankenbruck/semantic-analytics/internal/session"
)

// NewTestAuthManager creates an auth manager whose sessions live in an
// in-memory Redis that is torn down with t.
func NewTestAuthManager(t testing.TB, cfg config.AuthConfig) *AuthManager {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if cfg.SessionExpiry == 0 {
		cfg.SessionExpiry = 7 * 24 * time.Hour
	}
	return NewAuthManager(cfg, session.NewManager(rdb, cfg.SessionExpiry), nil)
}
