package auth

import (
	"sort"
	"sync"
	"time"
)

const (
	rateWindow      = time.Minute
	idleClientAfter = 5 * time.Minute
)

// clientWindow holds one client's request times inside the sliding window.
type clientWindow struct {
	mu       sync.Mutex
	requests []time.Time
	lastSeen time.Time
}

// RateLimiter is an in-memory sliding-window limiter keyed by client id.
// Rejected requests are not recorded, so a client that backs off recovers as
// soon as old requests leave the window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a limiter. Call StartCleanup to evict idle clients
// in the background and Stop to end it.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Allow records a request for clientID and reports whether it fits the limit.
func (rl *RateLimiter) Allow(clientID string, limitPerMinute int) bool {
	rl.mu.Lock()
	client, ok := rl.clients[clientID]
	if !ok {
		client = &clientWindow{}
		rl.clients[clientID] = client
	}
	rl.mu.Unlock()

	now := rl.now()
	client.mu.Lock()
	defer client.mu.Unlock()

	cutoff := now.Add(-rateWindow)
	kept := client.requests[:0]
	for _, t := range client.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	client.requests = kept
	client.lastSeen = now

	if len(client.requests) >= limitPerMinute {
		return false
	}
	client.requests = append(client.requests, now)
	return true
}

// Cleanup drops clients idle for longer than five minutes.
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-idleClientAfter)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, client := range rl.clients {
		client.mu.Lock()
		idle := client.lastSeen.Before(cutoff)
		client.mu.Unlock()
		if idle {
			delete(rl.clients, id)
		}
	}
}

// StartCleanup runs Cleanup every interval until Stop.
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-rl.stop:
				return
			}
		}
	}()
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// ClientStats is one client's view in Stats.
type ClientStats struct {
	ClientID     string    `json:"client_id"`
	RequestCount int       `json:"request_count"`
	LastSeen     time.Time `json:"last_seen"`
}

// Stats reports per-client usage ordered by client id.
func (rl *RateLimiter) Stats() []ClientStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	out := make([]ClientStats, 0, len(rl.clients))
	for id, client := range rl.clients {
		client.mu.Lock()
		out = append(out, ClientStats{ClientID: id, RequestCount: len(client.requests), LastSeen: client.lastSeen})
		client.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
