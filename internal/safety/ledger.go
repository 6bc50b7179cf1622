package safety

import (
	"context"
	stderrors "errors"
	"sync"
	"time"
)

// CostUnit is the unit quota amounts are expressed in.
const CostUnit = "DCU"

// costEpsilon absorbs float rounding when a reservation lands exactly on the limit.
const costEpsilon = 1e-9

// ErrWindowExhausted is returned by Reserve when the cost does not fit in
// the caller's remaining quota for the current window.
var ErrWindowExhausted = stderrors.New("quota window exhausted")

// QuotaState is a user's position in the current quota window.
type QuotaState struct {
	Used     float64   `json:"used"`
	Limit    float64   `json:"limit"`
	Window   string    `json:"window"`
	Unit     string    `json:"unit"`
	ResetsAt time.Time `json:"resets_at"`
}

// Reservation is cost held against one user's window. It is released
// against the window it was taken from, even after that window has rolled.
type Reservation struct {
	UserID      string
	Cost        float64
	WindowStart time.Time
}

// Ledger keeps per-user windowed cost counters. Reserve is an atomic
// check-and-add: concurrent callers can never together exceed the limit.
type Ledger interface {
	Reserve(ctx context.Context, userID string, cost float64) (*Reservation, QuotaState, error)
	Release(ctx context.Context, res *Reservation) error
	State(ctx context.Context, userID string) (QuotaState, error)
}

// windowStart aligns t to the fixed window grid. A 24h window starts at
// midnight UTC.
func windowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

func stateFor(used, limit float64, window time.Duration, start time.Time) QuotaState {
	return QuotaState{
		Used:     used,
		Limit:    limit,
		Window:   window.String(),
		Unit:     CostUnit,
		ResetsAt: start.Add(window),
	}
}

type windowUsage struct {
	start time.Time
	used  float64
}

// MemoryLedger is a process-local Ledger guarded by a single mutex.
type MemoryLedger struct {
	limit  float64
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	usage map[string]*windowUsage
}

// NewMemoryLedger creates an in-memory ledger with the given limit per window.
func NewMemoryLedger(limit float64, window time.Duration) *MemoryLedger {
	return &MemoryLedger{
		limit:  limit,
		window: window,
		now:    time.Now,
		usage:  make(map[string]*windowUsage),
	}
}

// current returns the user's usage for the window containing now, resetting
// it when the window has rolled. Callers hold mu.
func (l *MemoryLedger) current(userID string) *windowUsage {
	start := windowStart(l.now(), l.window)
	u, ok := l.usage[userID]
	if !ok || !u.start.Equal(start) {
		u = &windowUsage{start: start}
		l.usage[userID] = u
	}
	return u
}

func (l *MemoryLedger) Reserve(_ context.Context, userID string, cost float64) (*Reservation, QuotaState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.current(userID)
	if u.used+cost > l.limit+costEpsilon {
		return nil, stateFor(u.used, l.limit, l.window, u.start), ErrWindowExhausted
	}
	u.used += cost
	return &Reservation{UserID: userID, Cost: cost, WindowStart: u.start},
		stateFor(u.used, l.limit, l.window, u.start), nil
}

func (l *MemoryLedger) Release(_ context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.usage[res.UserID]
	if !ok || !u.start.Equal(res.WindowStart) {
		// the window already rolled; nothing left to give back
		return nil
	}
	u.used -= res.Cost
	if u.used < 0 {
		u.used = 0
	}
	return nil
}

func (l *MemoryLedger) State(_ context.Context, userID string) (QuotaState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.current(userID)
	return stateFor(u.used, l.limit, l.window, u.start), nil
}
