package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The counter is only incremented while under the cap, and the expiry is set on the first hit
// so Redis drops the key when the window elapses.
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[2]) then
  return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// Redis shares fixed-window counters between processes.
type Redis struct {
	client redis.Scripter
	prefix string
}

var _ Limiter = (*Redis)(nil)

// NewRedis builds a limiter storing keys under prefix (default "ratelimit:").
func NewRedis(client redis.Scripter, prefix string) (*Redis, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, ms, max).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}
