package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OrderCache holds serialized orders for the public tracking endpoint.
type OrderCache struct{ RDB *redis.Client }

// Get returns the cached body, or nil on a miss.
func (c *OrderCache) Get(ctx context.Context, orderID string) ([]byte, error) {
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrder, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (c *OrderCache) Set(ctx context.Context, orderID string, body []byte) error {
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrder, orderID), body, TTLOrderCache).Err()
}

func (c *OrderCache) Invalidate(ctx context.Context, orderID string) error {
	return c.RDB.Del(ctx, fmt.Sprintf(KeyOrder, orderID)).Err()
}
