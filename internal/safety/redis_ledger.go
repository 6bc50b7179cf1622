package safety

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const quotaPrefix = "quota:"

// reserveScript adds ARGV[1] to the window counter only if the result stays
// within ARGV[2]. It returns {approved, used}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if used + cost > limit + 1e-9 then
  return {0, tostring(used)}
end
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, total}
`)

// releaseScript subtracts ARGV[1] without going below zero.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return '0'
end
local used = tonumber(redis.call('GET', KEYS[1]))
local dec = tonumber(ARGV[1])
if dec > used then
  dec = used
end
return redis.call('INCRBYFLOAT', KEYS[1], tostring(-dec))
`)

// RedisLedger shares quota counters across service replicas. Each user
// window is one key; reserve and release run as Lua scripts so the
// check and the update are a single atomic step on the server.
type RedisLedger struct {
	redis  *redis.Client
	limit  float64
	window time.Duration
	now    func() time.Time
}

// NewRedisLedger creates a Redis-backed ledger.
func NewRedisLedger(client *redis.Client, limit float64, window time.Duration) *RedisLedger {
	return &RedisLedger{
		redis:  client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisLedger) key(userID string, start time.Time) string {
	return fmt.Sprintf("%s%s:%d", quotaPrefix, userID, start.Unix())
}

func (l *RedisLedger) Reserve(ctx context.Context, userID string, cost float64) (*Reservation, QuotaState, error) {
	now := l.now()
	start := windowStart(now, l.window)
	// keep the key a little past the window end so late releases still find it
	ttl := start.Add(l.window).Sub(now) + time.Minute

	res, err := reserveScript.Run(ctx, l.redis, []string{l.key(userID, start)},
		strconv.FormatFloat(cost, 'f', -1, 64),
		strconv.FormatFloat(l.limit, 'f', -1, 64),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, QuotaState{}, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if len(res) != 2 {
		return nil, QuotaState{}, fmt.Errorf("unexpected reserve reply: %v", res)
	}

	used, err := parseFloatReply(res[1])
	if err != nil {
		return nil, QuotaState{}, err
	}
	state := stateFor(used, l.limit, l.window, start)

	if approved, _ := res[0].(int64); approved != 1 {
		return nil, state, ErrWindowExhausted
	}
	return &Reservation{UserID: userID, Cost: cost, WindowStart: start}, state, nil
}

func (l *RedisLedger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	err := releaseScript.Run(ctx, l.redis, []string{l.key(res.UserID, res.WindowStart)},
		strconv.FormatFloat(res.Cost, 'f', -1, 64),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

func (l *RedisLedger) State(ctx context.Context, userID string) (QuotaState, error) {
	start := windowStart(l.now(), l.window)
	used := 0.0

	val, err := l.redis.Get(ctx, l.key(userID, start)).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return QuotaState{}, fmt.Errorf("failed to read quota: %w", err)
	default:
		if used, err = strconv.ParseFloat(val, 64); err != nil {
			return QuotaState{}, fmt.Errorf("invalid quota counter %q: %w", val, err)
		}
	}
	return stateFor(used, l.limit, l.window, start), nil
}

func parseFloatReply(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid quota counter %q: %w", t, err)
		}
		return f, nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("unexpected quota counter type %T", v)
	}
}
