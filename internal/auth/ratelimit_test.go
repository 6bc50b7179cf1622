package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a", 2))
	now = now.Add(30 * time.Second)
	assert.True(t, rl.Allow("a", 2))
	assert.False(t, rl.Allow("a", 2))
	assert.True(t, rl.Allow("b", 2), "clients are independent")

	// the first request leaves the window
	now = now.Add(31 * time.Second)
	assert.True(t, rl.Allow("a", 2))
	assert.False(t, rl.Allow("a", 2))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old", 5)
	now = now.Add(4 * time.Minute)
	rl.Allow("fresh", 5)
	now = now.Add(2 * time.Minute)

	rl.Cleanup()
	stats := rl.Stats()
	assert.Len(t, stats, 1)
	assert.Equal(t, "fresh", stats[0].ClientID)
	assert.Equal(t, 1, stats[0].RequestCount)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter()
	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared", 20) {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), allowed)
}

func TestRateLimiter_StopEndsCleanupLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter()
	rl.StartCleanup(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	rl.Stop()
	rl.Stop()
}
