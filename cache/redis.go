package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidEntry indicates a stored entry could not be decoded.
var ErrInvalidEntry = errors.New("invalid cache entry")

// RedisStore keeps JSON-encoded entries in Redis.
// Entry expiry is mapped to the Redis key TTL.
type RedisStore struct {
	redis     *redis.Client
	namespace string
}

// NewRedisStore creates a store on the given client.
// All keys are stored below namespace (e.g. "halfcache:").
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:     client,
		namespace: namespace,
	}
}

// Get retrieves an entry by key.
func (s *RedisStore) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	data, err := s.redis.Get(ctx, s.namespace+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return CacheEntry{}, false, nil
		}
		StoreErrors.WithLabelValues("redis", "get").Inc()
		return CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		StoreErrors.WithLabelValues("redis", "get").Inc()
		return CacheEntry{}, false, err
	}
	// Redis expires keys lazily, double check
	if entry.IsExpired() {
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Put stores an entry, with a TTL if the entry expires.
// Entries that are already expired are not stored.
func (s *RedisStore) Put(ctx context.Context, entry CacheEntry) error {
	ttl := entry.TTL()
	if !entry.Expires.IsZero() && ttl <= 0 {
		return nil
	}

	data, err := encodeEntry(entry)
	if err != nil {
		StoreErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, s.namespace+entry.Key, data, ttl).Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate removes an entry.
func (s *RedisStore) Invalidate(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.namespace+key).Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "invalidate").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys scans all keys with the given prefix.
func (s *RedisStore) Keys(ctx context.Context, prefix string, cb func(string)) error {
	iter := s.redis.Scan(ctx, 0, escapeGlob(s.namespace+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		cb(strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "keys").Inc()
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// escapeGlob escapes the characters Redis MATCH patterns treat specially.
// Keys contain request URIs, which may well include '?' or '['.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
