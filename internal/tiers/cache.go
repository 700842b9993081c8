package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const catalogCacheKey = "tiers:catalog"

// Cache wraps Redis based caching for the tier catalog. The full tier
// list is small and near-static, so one key holds all of it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// GetCatalog fetches the cached tier list, if any.
func (c *Cache) GetCatalog(ctx context.Context) ([]ConversionTier, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	payload, err := c.client.Get(ctx, catalogCacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var tiers []ConversionTier
	if err := json.Unmarshal(payload, &tiers); err != nil {
		return nil, false
	}
	return tiers, true
}

// SetCatalog stores the tier list with the configured TTL.
func (c *Cache) SetCatalog(ctx context.Context, tiers []ConversionTier) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(tiers)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, catalogCacheKey, payload, c.ttl).Err()
}

// Invalidate drops the cached catalog, used after admin updates.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	err := c.client.Del(ctx, catalogCacheKey).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
