package challenge

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces challenge keys in a shared Redis.
const DefaultRedisPrefix = "vdid:challenge:"

// consumeScript deletes the key only when the stored value matches.
// Returns 1 on success, 0 when missing, -1 on mismatch.
var consumeScript = goredis.NewScript(`
local v = redis.call('get', KEYS[1])
if not v then
  return 0
end
if v == ARGV[1] then
  redis.call('del', KEYS[1])
  return 1
end
return -1
`)

// RedisStore is a Store shared by every instance behind a load balancer.
// Expiry is delegated to Redis (PX), so an expired challenge reads as ErrNotFound.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a RedisStore. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Issue(ctx context.Context, key string, ttl time.Duration) (Challenge, error) {
	if !validKey(key) {
		return Challenge{}, fmt.Errorf("challenge: invalid key")
	}
	v, err := NewValue()
	if err != nil {
		return Challenge{}, err
	}
	ttl = normalizeTTL(ttl)
	if err := s.client.Set(ctx, s.prefix+key, v, ttl).Err(); err != nil {
		return Challenge{}, fmt.Errorf("challenge: redis set: %w", err)
	}
	return Challenge{Key: key, Value: v, ExpiresAt: s.now().Add(ttl)}, nil
}

func (s *RedisStore) Consume(ctx context.Context, key, presented string) error {
	if presented == "" {
		return ErrMismatch
	}
	res, err := consumeScript.Run(ctx, s.client, []string{s.prefix + key}, presented).Int64()
	if err != nil {
		return fmt.Errorf("challenge: redis consume: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrNotFound
	default:
		return ErrMismatch
	}
}

// Ping reports whether Redis is reachable (used by readiness checks).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
