// Package redisstore keeps the short lived identity items in Redis: OAuth
// states, the refresh token blocklist and request limiter counters. Guarded
// writes run as Lua scripts so each check and write is one atomic step.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "identity:"
	// stateGrace keeps a state readable shortly past its expiry so a late
	// callback is reported as expired, not unknown.
	stateGrace = time.Minute
)

var createStateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "used", "0")
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

var consumeStateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "used") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "used", "1", "used_at", ARGV[1])
return 1
`)

// Store implements identity.StateStore and identity.Blocklist.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock sets the clock used to derive key TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) stateKey(id string) string { return s.prefix + "state:" + id }
func (s *Store) blockKey(hash string) string { return s.prefix + "block:" + hash }

func (s *Store) PutState(ctx context.Context, state *identity.OAuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode oauth state")
	}
	ttl := state.ExpiresAt.Sub(s.now()) + stateGrace
	if ttl <= 0 {
		ttl = stateGrace
	}
	created, err := createStateScript.Run(ctx, s.client, []string{s.stateKey(state.ID)}, data, ttl.Milliseconds()).Int()
	if err != nil {
		return redisFailure(err, "failed to store oauth state")
	}
	if created == 0 {
		return identity.ErrConditionFailed
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, stateID string) (*identity.OAuthState, error) {
	fields, err := s.client.HGetAll(ctx, s.stateKey(stateID)).Result()
	if err != nil {
		return nil, redisFailure(err, "failed to load oauth state")
	}
	raw, ok := fields["data"]
	if !ok {
		return nil, identity.ErrItemNotFound
	}
	state := &identity.OAuthState{}
	if err := json.Unmarshal([]byte(raw), state); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to decode oauth state")
	}
	if fields["used"] == "1" {
		state.Used = true
		if at, err := time.Parse(time.RFC3339Nano, fields["used_at"]); err == nil {
			state.UsedAt = &at
		}
	}
	return state, nil
}

func (s *Store) MarkStateUsed(ctx context.Context, stateID string, at time.Time) error {
	res, err := consumeStateScript.Run(ctx, s.client, []string{s.stateKey(stateID)}, at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return redisFailure(err, "failed to consume oauth state")
	}
	switch res {
	case -1:
		return identity.ErrItemNotFound
	case 0:
		return identity.ErrConditionFailed
	}
	return nil
}

// Block denies the hash until entry.ExpiresAt. Entries already past their
// expiry are not written.
func (s *Store) Block(ctx context.Context, entry identity.BlocklistEntry) error {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.blockKey(entry.TokenHash), entry.Reason, ttl).Err(); err != nil {
		return redisFailure(err, "failed to block token")
	}
	return nil
}

func (s *Store) IsBlocked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := s.client.Exists(ctx, s.blockKey(tokenHash)).Result()
	if err != nil {
		return false, redisFailure(err, "failed to check blocklist")
	}
	return n > 0, nil
}

func redisFailure(err error, msg string) error {
	if errors.Is(err, redis.Nil) {
		return identity.ErrItemNotFound
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithTextCode("REDIS_FAILURE")
}

var (
	_ identity.StateStore = (*Store)(nil)
	_ identity.Blocklist  = (*Store)(nil)
)
