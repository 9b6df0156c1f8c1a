// Package cache implements the content-addressed result cache a module's
// cache_ttl attribute consults before dispatch: on a hit, the dispatcher
// synthesizes a Success status with the cached value and skips the push
// entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is keyed by (module_id, normalized_args); callers build the key via
// Key before calling Get/Set.
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Key derives a stable content-address from a module id and its resolved
// argument map. Normalization here means re-marshaling through
// encoding/json's deterministic map key ordering so equivalent argument
// sets always collide on the same key regardless of construction order.
func Key(moduleID string, args map[string]json.RawMessage) (string, error) {
	normalized, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(moduleID))
	h.Write([]byte{0})
	h.Write(normalized)
	return "flow:cache:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the cached result for key, or (nil, false) on a miss.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// Set stores a result under key with the module's configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.rdb.Set(ctx, key, []byte(value), ttl).Err()
}
