package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

var ErrIdempotencyInFlight = errors.New("a request with this idempotency key is still in progress")

// Idempotency remembers which order an Idempotency-Key produced.
type Idempotency struct{ RDB *redis.Client }

// Begin claims key for a new request. It returns the order id of an earlier
// completed request, or "" when the caller owns the key and must finish it
// with Complete or Abort.
func (i *Idempotency) Begin(ctx context.Context, scope, key string) (string, error) {
	k := fmt.Sprintf(KeyIdemOrderCreate, scope, key)

	ok, err := i.RDB.SetNX(ctx, k, pendingMarker, TTLIdempotencyPending).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}

	v, err := i.RDB.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; the next attempt can claim it
		return "", ErrIdempotencyInFlight
	}
	if err != nil {
		return "", err
	}
	if v == pendingMarker {
		return "", ErrIdempotencyInFlight
	}
	return v, nil
}

func (i *Idempotency) Complete(ctx context.Context, scope, key, orderID string) error {
	return i.RDB.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, scope, key), orderID, TTLIdempotency).Err()
}

func (i *Idempotency) Abort(ctx context.Context, scope, key string) error {
	return i.RDB.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, scope, key)).Err()
}
