// Package cache is the optional Redis read cache for product data and its
// invalidator. A Cache built without a client is a no-op: reads miss and
// invalidations remove nothing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeyProductList     = "products:list:%s"
	KeyProductDetail   = "product:detail:%s"
	KeyProductCheckout = "product:checkout:%s"
	KeyResponse        = "cache:GET:%s"
)

var (
	TTLProductList   = 60 * time.Second
	TTLProductDetail = 30 * time.Second
)

// patterns removed on every invalidation
var generalPatterns = []string{"products:list:*", "cache:GET:/products*"}

type Cache struct {
	rdb *redis.Client
	log *slog.Logger
}

func New(rdb *redis.Client, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{rdb: rdb, log: log.With("component", "cache")}
}

func (c *Cache) Enabled() bool { return c != nil && c.rdb != nil }

// GetJSON reports whether key was found and decoded into out.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) bool {
	if !c.Enabled() {
		return false
	}
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		c.log.Warn("cache entry undecodable", "key", key, "error", err)
		return false
	}
	return true
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "key", key, "error", err)
	}
}

// Invalidate removes the product list caches and, when productID is not
// empty, that product's detail and checkout entries. It returns the number
// of keys removed and never fails.
func (c *Cache) Invalidate(ctx context.Context, productID string) int {
	if productID == "" {
		return c.InvalidateProducts(ctx, nil)
	}
	return c.InvalidateProducts(ctx, []string{productID})
}

func (c *Cache) InvalidateProducts(ctx context.Context, productIDs []string) int {
	if !c.Enabled() {
		return 0
	}
	patterns := append([]string(nil), generalPatterns...)
	for _, id := range productIDs {
		patterns = append(patterns,
			fmt.Sprintf(KeyProductDetail, id)+"*",
			fmt.Sprintf(KeyProductCheckout, id)+"*",
		)
	}

	removed := 0
	for _, p := range patterns {
		n, err := c.deletePattern(ctx, p)
		removed += n
		if err != nil {
			c.log.Warn("cache invalidation failed", "pattern", p, "error", err)
		}
	}
	return removed
}

func (c *Cache) deletePattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := c.rdb.Unlink(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
