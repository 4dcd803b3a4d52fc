package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// windowScript counts requests in a fixed window. It returns 0 when the request
// fits, otherwise the milliseconds left in the current window.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = redis.call('INCR', key)
if current == 1 then
  redis.call('PEXPIRE', key, window)
end
if current > limit then
  local ttl = redis.call('PTTL', key)
  if ttl < 0 then
    redis.call('PEXPIRE', key, window)
    ttl = window
  end
  return ttl
end
return 0
`)

// Throttle is the account-wide provider request-rate gate shared by every
// scheduler invocation through Redis.
type Throttle struct {
	limit   int
	window  time.Duration
	reserve func(ctx context.Context) (time.Duration, error)
}

// NewThrottle allows perSecond provider requests per second across all
// processes. A non-positive rate disables the gate.
func NewThrottle(client *redis.Client, keyPrefix string, perSecond int) *Throttle {
	t := &Throttle{limit: perSecond, window: time.Second}
	key := fmt.Sprintf("%s:window", keyPrefix)
	t.reserve = func(ctx context.Context) (time.Duration, error) {
		ms, err := windowScript.Run(ctx, client, []string{key}, t.limit, t.window.Milliseconds()).Int64()
		if err != nil {
			return 0, fmt.Errorf("throttle reserve: %w", err)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return t
}

// Wait blocks until a request slot is available or ctx ends.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.limit <= 0 {
		return nil
	}
	for {
		wait, err := t.reserve(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
