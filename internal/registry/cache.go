package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/sms-relay/internal/model"
)

const cacheKeyPrefix = "msgsvc:"

// ServiceCache is a read-through cache for messaging service lookups.
// It is an optimization only: every miss or Redis error falls through to
// Postgres, so correctness never depends on cache freshness.
type ServiceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewServiceCache(rdb *redis.Client, ttl time.Duration) *ServiceCache {
	return &ServiceCache{rdb: rdb, ttl: ttl}
}

func (c *ServiceCache) Get(ctx context.Context, id string) (model.MessagingService, bool) {
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+id).Bytes()
	if err != nil {
		return model.MessagingService{}, false
	}
	var svc model.MessagingService
	if err := json.Unmarshal(raw, &svc); err != nil {
		return model.MessagingService{}, false
	}
	return svc, true
}

func (c *ServiceCache) Set(ctx context.Context, svc model.MessagingService) {
	raw, err := json.Marshal(svc)
	if err != nil {
		return
	}
	// Best effort; a failed write just means the next lookup hits Postgres.
	_ = c.rdb.Set(ctx, cacheKeyPrefix+svc.ID, raw, c.ttl).Err()
}
