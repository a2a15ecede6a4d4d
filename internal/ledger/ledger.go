// Package ledger is the cache-backed stock counter that admission reserves against.
//
// Every mutation is a single server-side operation on one key, so concurrent callers
// never observe a check-then-act gap and no external lock is needed. Transport
// errors are returned as-is: callers must treat them as failures, never as success.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] = stock key, ARGV[1] = quantity. -1 when the key is missing or short.
var decrementIfSufficient = redis.NewScript(`
local current = tonumber(redis.call('get', KEYS[1]))
if not current or current < tonumber(ARGV[1]) then
  return -1
end
return redis.call('decrby', KEYS[1], ARGV[1])
`)

type Ledger struct {
	Redis *redis.Client
}

func New(rdb *redis.Client) *Ledger { return &Ledger{Redis: rdb} }

// TryDecrement reserves qty units and returns what is left. It returns
// orders.ErrStockExhausted when the counter is absent or below qty.
func (l *Ledger) TryDecrement(ctx context.Context, eventID string, qty int) (int64, error) {
	if qty <= 0 {
		return 0, orders.ErrInvalidQuantity
	}
	left, err := decrementIfSufficient.Run(ctx, l.Redis, []string{redisx.EventStockKey(eventID)}, qty).Int64()
	if err != nil {
		return 0, fmt.Errorf("ledger decrement %s: %w", eventID, err)
	}
	if left < 0 {
		return 0, orders.ErrStockExhausted
	}
	return left, nil
}

// Increment restores qty units. It is not deduplicated: each reservation must be
// restored at most once by its caller.
func (l *Ledger) Increment(ctx context.Context, eventID string, qty int) error {
	if qty <= 0 {
		return orders.ErrInvalidQuantity
	}
	if err := l.Redis.IncrBy(ctx, redisx.EventStockKey(eventID), int64(qty)).Err(); err != nil {
		return fmt.Errorf("ledger increment %s: %w", eventID, err)
	}
	return nil
}

// Seed overwrites the counter, used when preloading an event.
func (l *Ledger) Seed(ctx context.Context, eventID string, stock int) error {
	if stock < 0 {
		return fmt.Errorf("ledger seed %s: negative stock %d", eventID, stock)
	}
	return l.Redis.Set(ctx, redisx.EventStockKey(eventID), stock, 0).Err()
}

// Remaining reports 0 for an unseeded event.
func (l *Ledger) Remaining(ctx context.Context, eventID string) (int64, error) {
	n, err := l.Redis.Get(ctx, redisx.EventStockKey(eventID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
