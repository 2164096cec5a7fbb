package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces whitelist entries in a shared Redis.
const DefaultKeyPrefix = "auth:refresh:"

// Deleting the consumed key is the membership test, so two scripts racing on
// the same token cannot both reach the SET.
const rotateScript = `
if redis.call("DEL", KEYS[1]) == 0 then
  return 0
end
redis.call("SET", KEYS[2], "1", "PX", ARGV[1])
return 1
`

var rotateLua = redis.NewScript(rotateScript)

// RedisStore keeps one key per whitelisted token, expiring together with the
// token. Keys are SHA-256 digests so bearer credentials are never stored.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.prefix + hex.EncodeToString(sum[:])
}

func (s *RedisStore) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func (s *RedisStore) Add(ctx context.Context, token string, expiresAt time.Time) error {
	if err := s.client.Set(ctx, s.key(token), "1", s.ttl(expiresAt)).Err(); err != nil {
		return fmt.Errorf("redis whitelist add: %w", err)
	}
	return nil
}

func (s *RedisStore) Contains(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("redis whitelist contains: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Remove(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redis whitelist remove: %w", err)
	}
	return nil
}

func (s *RedisStore) Rotate(ctx context.Context, old, next string, nextExpiresAt time.Time) (bool, error) {
	keys := []string{s.key(old), s.key(next)}
	res, err := rotateLua.Run(ctx, s.client, keys, s.ttl(nextExpiresAt).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis whitelist rotate: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis whitelist scan: %w", err)
	}
	return count, nil
}
