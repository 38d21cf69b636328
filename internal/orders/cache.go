package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/redisx"
	"github.com/redis/go-redis/v9"
	"log"
)

type StatusCache struct {
	Repo *Repo
	RDB  *redis.Client
}

type StatusView struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"`
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusView, error) {
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if c.RDB != nil {
		if s, ok, err := redisx.GetString(ctx, c.RDB, key); err == nil && ok {
			var v StatusView
			if json.Unmarshal([]byte(s), &v) == nil {
				return v, nil
			}
		}
	}

	status, err := c.Repo.GetOrderStatus(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	v := StatusView{OrderID: orderID, Status: status}
	if c.RDB != nil {
		b, _ := json.Marshal(v)
		_ = c.RDB.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	}
	return v, nil
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) {
	if c == nil || c.RDB == nil {
		return
	}
	if err := c.RDB.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err(); err != nil {
		log.Printf("orders: status cache invalidate order=%s: %v", orderID, err)
	}
}
