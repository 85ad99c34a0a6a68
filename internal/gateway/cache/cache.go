package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/redis"
)

// Cache remembers which credential created a prediction, so that later status
// and cancel calls are made with the same credential.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a new cache instance. Owner records expire after ttl.
func New(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, ttl: ttl}
}

func ownerKey(predictionID string) string {
	return "prediction:owner:" + predictionID
}

// SetOwner records the credential that created predictionID
func (c *Cache) SetOwner(ctx context.Context, predictionID string, credentialID int64) error {
	if predictionID == "" {
		return fmt.Errorf("prediction id is required")
	}
	return c.redis.Set(ctx, ownerKey(predictionID), strconv.FormatInt(credentialID, 10), c.ttl)
}

// Owner returns the credential that created predictionID, or 0 when unknown.
func (c *Cache) Owner(ctx context.Context, predictionID string) (int64, error) {
	val, err := c.redis.Get(ctx, ownerKey(predictionID))
	if errors.Is(err, redis.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse owner record: %w", err)
	}
	return id, nil
}

// Forget drops the owner record of predictionID
func (c *Cache) Forget(ctx context.Context, predictionID string) error {
	return c.redis.Del(ctx, ownerKey(predictionID))
}
