package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// StatusCache keeps the latest order per member for status polling.
type StatusCache struct {
	Redis *redis.Client
	TTL   time.Duration
}

// Both scripts only act when the cached entry still points at ARGV[1], so a newer
// order of the same member is never clobbered.
var (
	clearIfOrder = redis.NewScript(`
local v = redis.call('get', KEYS[1])
if not v then return 0 end
if cjson.decode(v).order_id ~= ARGV[1] then return 0 end
return redis.call('del', KEYS[1])
`)
	refreshIfOrder = redis.NewScript(`
local v = redis.call('get', KEYS[1])
if not v then return 0 end
if cjson.decode(v).order_id ~= ARGV[1] then return 0 end
redis.call('set', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)
)

func (c *StatusCache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return redisx.TTLMemberOrder
}

func (c *StatusCache) SetLatest(ctx context.Context, o Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.Redis.Set(ctx, redisx.MemberOrderKey(o.MemberID), b, c.ttl()).Err()
}

// GetLatest returns (nil, nil) when the member has no cached order.
func (c *StatusCache) GetLatest(ctx context.Context, memberID string) (*Order, error) {
	s, err := c.Redis.Get(ctx, redisx.MemberOrderKey(memberID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var o Order
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, fmt.Errorf("decode cached order: %w", err)
	}
	return &o, nil
}

func (c *StatusCache) ClearIfLatest(ctx context.Context, memberID, orderID string) error {
	return clearIfOrder.Run(ctx, c.Redis, []string{redisx.MemberOrderKey(memberID)}, orderID).Err()
}

// RefreshIfLatest rewrites the cached entry after a status transition.
func (c *StatusCache) RefreshIfLatest(ctx context.Context, o Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return refreshIfOrder.Run(ctx, c.Redis, []string{redisx.MemberOrderKey(o.MemberID)},
		o.ID, string(b), c.ttl().Milliseconds()).Err()
}
