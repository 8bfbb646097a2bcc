// Package rediscache is the Redis fast path for order idempotency keys.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

// keyIdemOrderCreate maps {user_id}:{idempotency_key} to an order id.
const keyIdemOrderCreate = "idem:order:create:%s:%s"

// DefaultTTL bounds how long a key is served from Redis.
const DefaultTTL = 24 * time.Hour

var _ order.IdempotencyCache = (*IdempotencyCache)(nil)

// IdempotencyCache implements order.IdempotencyCache on Redis. Entries are
// hints; a miss or an error falls back to the order store.
type IdempotencyCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewIdempotencyCache returns a cache whose entries live for ttl.
func NewIdempotencyCache(rdb redis.UniversalClient, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IdempotencyCache{rdb: rdb, ttl: ttl}
}

func idemKey(userID, key string) string {
	return fmt.Sprintf(keyIdemOrderCreate, userID, key)
}

// Get returns the order id stored for the user's key.
func (c *IdempotencyCache) Get(ctx context.Context, userID, key string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, idemKey(userID, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "redis get")
	}
	return id, true, nil
}

// Put stores the order id for the user's key. An existing entry is kept.
func (c *IdempotencyCache) Put(ctx context.Context, userID, key, orderID string) error {
	if err := c.rdb.SetNX(ctx, idemKey(userID, key), orderID, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis setnx")
	}
	return nil
}

// NewClient connects to Redis at addr and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return rdb, nil
}
