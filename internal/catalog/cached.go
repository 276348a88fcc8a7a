package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const lookupTimeout = 5 * time.Second

// Cached is a read-through Redis cache in front of another Catalog.
// Concurrent misses for one product share a single upstream lookup.
type Cached struct {
	next   Catalog
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

func NewCached(next Catalog, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *Cached) FindProduct(ctx context.Context, id string) (*Product, error) {
	key := fmt.Sprintf(redisx.KeyCatalogProduct, id)

	b, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p Product
		if err := json.Unmarshal(b, &p); err == nil {
			return &p, nil
		}
		logx.Warn(ctx, c.logger, "discarding undecodable catalog entry", zap.String("product_id", id))
	case !errors.Is(err, redis.Nil):
		logx.Warn(ctx, c.logger, "catalog cache read failed", zap.String("product_id", id), zap.Error(err))
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		// the lookup is shared, so one caller giving up must not fail the rest
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		p, err := c.next.FindProduct(lctx, id)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(p); err == nil {
			if err := c.rdb.Set(lctx, key, b, c.ttl).Err(); err != nil {
				logx.Warn(ctx, c.logger, "catalog cache write failed", zap.String("product_id", id), zap.Error(err))
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Product), nil
}

// Invalidate drops the cached entry, e.g. after a price change.
func (c *Cached) Invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(redisx.KeyCatalogProduct, id)).Err()
}
