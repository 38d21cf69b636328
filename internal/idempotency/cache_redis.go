package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/redisx"
	"github.com/redis/go-redis/v9"
	"time"
)

type RedisCache struct{ RDB *redis.Client }

func (c *RedisCache) Get(ctx context.Context, scope, key string) (json.RawMessage, bool, error) {
	s, ok, err := redisx.GetString(ctx, c.RDB, fmt.Sprintf(redisx.KeyIdempotency, scope, key))
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(s), true, nil
}

func (c *RedisCache) Set(ctx context.Context, scope, key string, response json.RawMessage, ttl time.Duration) error {
	return c.RDB.Set(ctx, fmt.Sprintf(redisx.KeyIdempotency, scope, key), []byte(response), ttl).Err()
}
