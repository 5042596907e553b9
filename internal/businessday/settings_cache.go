package businessday

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const settingsKeyPrefix = "venue:bizday:"

// notFoundMarker caches the absence of settings so unknown tenants do not
// hit the database every minute.
const notFoundMarker = "-"

// CachedSettings is a read-through Redis cache in front of a SettingsStore.
// Redis failures degrade to direct store reads.
type CachedSettings struct {
	next store.SettingsStore
	rdb  *redis.Client
	ttl  time.Duration
	log  *logger.Logger
}

func NewCachedSettings(next store.SettingsStore, rdb *redis.Client, ttl time.Duration, log *logger.Logger) *CachedSettings {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CachedSettings{next: next, rdb: rdb, ttl: ttl, log: log}
}

func settingsKey(tenantID string) string {
	return settingsKeyPrefix + tenantID
}

func (c *CachedSettings) GetBusinessDaySettings(ctx context.Context, tenantID string) (models.BusinessDaySettings, bool, error) {
	if c.rdb == nil {
		return c.next.GetBusinessDaySettings(ctx, tenantID)
	}

	raw, err := c.rdb.Get(ctx, settingsKey(tenantID)).Bytes()
	switch {
	case err == nil:
		if string(raw) == notFoundMarker {
			return models.BusinessDaySettings{}, false, nil
		}
		var settings models.BusinessDaySettings
		if jsonErr := json.Unmarshal(raw, &settings); jsonErr == nil {
			return settings, true, nil
		}
	case !errors.Is(err, redis.Nil):
		c.log.WarnContext(ctx, "settings cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	settings, found, err := c.next.GetBusinessDaySettings(ctx, tenantID)
	if err != nil {
		return settings, found, err
	}
	value := []byte(notFoundMarker)
	if found {
		if value, err = json.Marshal(settings); err != nil {
			return settings, found, nil
		}
	}
	if err := c.rdb.Set(ctx, settingsKey(tenantID), value, c.ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "settings cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return settings, found, nil
}

func (c *CachedSettings) ListBusinessDaySettings(ctx context.Context) ([]models.BusinessDaySettings, error) {
	return c.next.ListBusinessDaySettings(ctx)
}

func (c *CachedSettings) PutBusinessDaySettings(ctx context.Context, settings models.BusinessDaySettings) error {
	if err := c.next.PutBusinessDaySettings(ctx, settings); err != nil {
		return err
	}
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, settingsKey(settings.TenantID)).Err(); err != nil {
			c.log.WarnContext(ctx, "settings cache invalidation failed", zap.String("tenant_id", settings.TenantID), zap.Error(err))
		}
	}
	return nil
}
