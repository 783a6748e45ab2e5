package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrExceeded indicates the caller has used every evaluation attempt in the
// current window.
var ErrExceeded = errors.New("evaluation quota exceeded")

// Usage is the quota state for one user within the active window.
type Usage struct {
	Used           int   `json:"used"`
	Limit          int   `json:"limit"`
	Remaining      int   `json:"remaining"`
	ResetInSeconds int64 `json:"resetInSeconds"`
}

// Tracker maintains per-user evaluation quotas over a fixed window. All state
// lives in Redis keyed per user; the window is enforced with a key TTL so an
// expired window lazily resets to zero on the next call.
type Tracker struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger zerolog.Logger
}

// NewTracker constructs a quota tracker. Limit and window are fixed
// configuration constants, never derived per call.
func NewTracker(client *redis.Client, limit int, window time.Duration, logger zerolog.Logger) *Tracker {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Hour
	}

	return &Tracker{
		client: client,
		limit:  limit,
		window: window,
		logger: logger.With().Str("component", "quota_tracker").Logger(),
	}
}

func (t *Tracker) key(userID string) string {
	return fmt.Sprintf("quota:eval:%s", userID)
}

// consumeScript performs the check-and-increment atomically so concurrent
// requests can never push usage past the limit. Returns {-1, ttl} when the
// window is already full, otherwise {used, ttl} after incrementing.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if used >= limit then
  return {-1, redis.call('TTL', KEYS[1])}
end
used = redis.call('INCR', KEYS[1])
if used == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {used, redis.call('TTL', KEYS[1])}
`)

// refundScript decrements usage after a downstream failure so a failed
// analysis never charges quota. The key TTL is left untouched.
var refundScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// Check reports the current usage without consuming anything. A missing or
// expired key is observed as a fresh window.
func (t *Tracker) Check(ctx context.Context, userID string) (Usage, error) {
	pipe := t.client.Pipeline()
	getCmd := pipe.Get(ctx, t.key(userID))
	ttlCmd := pipe.TTL(ctx, t.key(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("check quota: %w", err)
	}

	used, err := getCmd.Int()
	if err == redis.Nil {
		used = 0
	} else if err != nil {
		return Usage{}, fmt.Errorf("check quota: %w", err)
	}

	return t.usage(used, ttlCmd.Val()), nil
}

// Consume atomically reserves one evaluation attempt. It returns ErrExceeded
// without incrementing when the window is full.
func (t *Tracker) Consume(ctx context.Context, userID string) (Usage, error) {
	values, err := consumeScript.Run(ctx, t.client, []string{t.key(userID)}, t.limit, int(t.window.Seconds())).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("consume quota: %w", err)
	}
	if len(values) != 2 {
		return Usage{}, fmt.Errorf("consume quota: unexpected script reply %v", values)
	}

	used, ttl := values[0], values[1]
	if used < 0 {
		return t.usage(t.limit, time.Duration(ttl)*time.Second), ErrExceeded
	}

	return t.usage(int(used), time.Duration(ttl)*time.Second), nil
}

// Refund releases a previously consumed attempt. Used on evaluation failure so
// callers are never charged for work that produced no record.
func (t *Tracker) Refund(ctx context.Context, userID string) error {
	if err := refundScript.Run(ctx, t.client, []string{t.key(userID)}).Err(); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	return nil
}

// Limit exposes the configured per-window allowance.
func (t *Tracker) Limit() int {
	return t.limit
}

func (t *Tracker) usage(used int, ttl time.Duration) Usage {
	if used > t.limit {
		used = t.limit
	}

	reset := int64(ttl.Seconds())
	if reset < 0 {
		// No key yet: the next consume starts a fresh window.
		reset = int64(t.window.Seconds())
	}

	remaining := t.limit - used
	if remaining < 0 {
		remaining = 0
	}

	return Usage{
		Used:           used,
		Limit:          t.limit,
		Remaining:      remaining,
		ResetInSeconds: reset,
	}
}
