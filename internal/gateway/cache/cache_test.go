package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/redis"
)

func setupCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return New(client, ttl), mr
}

func TestCache_OwnerRoundTrip(t *testing.T) {
	c, _ := setupCache(t, time.Hour)
	ctx := context.Background()

	id, err := c.Owner(ctx, "pred-1")
	require.NoError(t, err)
	assert.Zero(t, id, "unknown predictions have no owner")

	require.NoError(t, c.SetOwner(ctx, "pred-1", 42))
	id, err = c.Owner(ctx, "pred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	require.NoError(t, c.Forget(ctx, "pred-1"))
	id, err = c.Owner(ctx, "pred-1")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestCache_OwnerExpires(t *testing.T) {
	c, mr := setupCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.SetOwner(ctx, "pred-1", 7))
	assert.Equal(t, time.Minute, mr.TTL(ownerKey("pred-1")))

	mr.FastForward(2 * time.Minute)

	id, err := c.Owner(ctx, "pred-1")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestCache_CorruptRecord(t *testing.T) {
	c, mr := setupCache(t, time.Minute)

	require.NoError(t, mr.Set(ownerKey("pred-1"), "not-a-number"))
	_, err := c.Owner(context.Background(), "pred-1")
	assert.Error(t, err)
}

func TestCache_SetOwnerRequiresID(t *testing.T) {
	c, _ := setupCache(t, time.Minute)
	assert.Error(t, c.SetOwner(context.Background(), "", 1))
}
