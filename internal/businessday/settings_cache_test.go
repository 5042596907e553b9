package businessday

import (
	"context"
	"os"
	"testing"
	"time"

	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store/memory"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*memory.Store
	gets int
}

func (c *countingStore) GetBusinessDaySettings(ctx context.Context, tenantID string) (models.BusinessDaySettings, bool, error) {
	c.gets++
	return c.Store.GetBusinessDaySettings(ctx, tenantID)
}

func TestCachedSettingsWithoutRedis(t *testing.T) {
	backing := &countingStore{Store: memory.New()}
	cache := NewCachedSettings(backing, nil, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, cache.PutBusinessDaySettings(ctx, models.BusinessDaySettings{TenantID: "t1", CutoverHour: 5, Timezone: "UTC"}))
	got, found, err := cache.GetBusinessDaySettings(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, got.CutoverHour)
	assert.Equal(t, 1, backing.gets)
}

func TestCachedSettingsRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis tests")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	backing := &countingStore{Store: memory.New()}
	cache := NewCachedSettings(backing, rdb, time.Minute, nil)
	tenantID := uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), settingsKey(tenantID)) })

	_, found, err := cache.GetBusinessDaySettings(ctx, tenantID)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, _ = cache.GetBusinessDaySettings(ctx, tenantID)
	assert.False(t, found)
	assert.Equal(t, 1, backing.gets, "missing settings should be cached")

	require.NoError(t, cache.PutBusinessDaySettings(ctx, models.BusinessDaySettings{TenantID: tenantID, CutoverHour: 6, Timezone: "UTC"}))
	got, found, err := cache.GetBusinessDaySettings(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 6, got.CutoverHour)
	assert.Equal(t, 2, backing.gets)
}
