package safety

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 15, 12, 30, 0, 0, time.UTC)}
}

func newRedisLedger(t *testing.T, limit float64, window time.Duration, c *clock) *RedisLedger {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLedger(client, limit, window)
	l.now = c.Now
	return l
}

func newMemoryLedger(limit float64, window time.Duration, c *clock) *MemoryLedger {
	l := NewMemoryLedger(limit, window)
	l.now = c.Now
	return l
}

// ledgers runs fn against both ledger implementations.
func ledgers(t *testing.T, limit float64, fn func(t *testing.T, l Ledger, c *clock)) {
	t.Run("memory", func(t *testing.T) {
		c := newClock()
		fn(t, newMemoryLedger(limit, 24*time.Hour, c), c)
	})
	t.Run("redis", func(t *testing.T) {
		c := newClock()
		fn(t, newRedisLedger(t, limit, 24*time.Hour, c), c)
	})
}

func TestLedger_ReserveWithinLimit(t *testing.T) {
	ledgers(t, 10, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()

		res, state, err := l.Reserve(ctx, "alice", 4)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 4.0, state.Used)
		assert.Equal(t, 10.0, state.Limit)
		assert.Equal(t, CostUnit, state.Unit)
		assert.Equal(t, "24h0m0s", state.Window)
		assert.Equal(t, time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC), state.ResetsAt)

		// exactly reaching the limit is allowed
		_, state, err = l.Reserve(ctx, "alice", 6)
		require.NoError(t, err)
		assert.Equal(t, 10.0, state.Used)

		res, state, err = l.Reserve(ctx, "alice", 0.5)
		assert.ErrorIs(t, err, ErrWindowExhausted)
		assert.Nil(t, res)
		assert.Equal(t, 10.0, state.Used)
	})
}

func TestLedger_UsersAreIndependent(t *testing.T) {
	ledgers(t, 5, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()

		_, _, err := l.Reserve(ctx, "alice", 5)
		require.NoError(t, err)
		_, _, err = l.Reserve(ctx, "bob", 5)
		require.NoError(t, err)

		state, err := l.State(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, 0.0, state.Used)
	})
}

func TestLedger_Release(t *testing.T) {
	ledgers(t, 10, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()

		res, _, err := l.Reserve(ctx, "alice", 7)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, res))

		state, err := l.State(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0.0, state.Used)

		require.NoError(t, l.Release(ctx, nil))
	})
}

func TestLedger_WindowRolls(t *testing.T) {
	ledgers(t, 10, func(t *testing.T, l Ledger, c *clock) {
		ctx := context.Background()

		old, _, err := l.Reserve(ctx, "alice", 10)
		require.NoError(t, err)
		_, _, err = l.Reserve(ctx, "alice", 1)
		require.ErrorIs(t, err, ErrWindowExhausted)

		c.Advance(12 * time.Hour)
		_, state, err := l.Reserve(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, 1.0, state.Used)

		// releasing a reservation from the previous window leaves the new one alone
		require.NoError(t, l.Release(ctx, old))
		state, err = l.State(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1.0, state.Used)
	})
}

func TestLedger_ConcurrentReservationsNeverOvershoot(t *testing.T) {
	const (
		limit    = 10.0
		cost     = 1.0
		requests = 64
	)

	ledgers(t, limit, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		var approved int64
		var wg sync.WaitGroup

		for i := 0; i < requests; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, err := l.Reserve(ctx, "alice", cost); err == nil {
					atomic.AddInt64(&approved, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(limit/cost), approved)
		state, err := l.State(ctx, "alice")
		require.NoError(t, err)
		assert.LessOrEqual(t, state.Used, limit)
	})
}

func TestWindowStart(t *testing.T) {
	ts := time.Date(2024, 5, 15, 12, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), windowStart(ts, 24*time.Hour))
	assert.Equal(t, time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC), windowStart(ts, time.Hour))
}
