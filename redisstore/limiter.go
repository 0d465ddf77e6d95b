package redisstore

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[2])
end

if current > tonumber(ARGV[1]) then
  return {0, ttl}
end
return {1, ttl}
`)

// Limiter is a fixed window request limiter shared by every process that
// talks to the same Redis.
type Limiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

// NewLimiter allows limit requests per key within window.
func NewLimiter(client redis.UniversalClient, limit int, window time.Duration, prefix string) *Limiter {
	if prefix == "" {
		prefix = defaultPrefix + "rl:"
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

func (l *Limiter) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false, l.window, nil
	}

	res, err := rateLimitScript.Run(ctx, l.client, []string{l.prefix + key}, l.limit, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, redisFailure(err, "failed to check rate limit")
	}
	if len(res) != 2 {
		return false, 0, goerrors.New("unexpected redis response", goerrors.CategoryInternal)
	}

	retryAfter := time.Duration(res[1]) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, retryAfter, nil
}

var _ identity.RequestLimiter = (*Limiter)(nil)
