package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type StockSeeder interface {
	Seed(ctx context.Context, eventID string, stock int) error
}

// Catalog resolves events for admission. Event details are served from a redis
// hash and fall back to the relational store, which repopulates the hash.
type Catalog struct {
	Events orders.EventReader
	Redis  *redis.Client
	Ledger StockSeeder
	Log    *zap.Logger
	Now    func() time.Time
}

func (c *Catalog) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// GetEvent returns orders.ErrEventNotFound for unknown ids and
// orders.ErrEventExpired when the event is not open for sale right now.
func (c *Catalog) GetEvent(ctx context.Context, eventID string) (orders.Event, error) {
	ev, ok, err := c.cached(ctx, eventID)
	if err != nil {
		c.Log.Warn("event cache read failed", zap.String("event_id", eventID), zap.Error(err))
	}
	if !ok {
		ev, err = c.Events.GetEvent(ctx, eventID)
		if err != nil {
			return orders.Event{}, err
		}
		if err := c.store(ctx, ev); err != nil {
			c.Log.Warn("event cache write failed", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	if !ev.OpenAt(c.now()) {
		return ev, fmt.Errorf("%w: %s (%s)", orders.ErrEventExpired, eventID, ev.Status)
	}
	return ev, nil
}

// Preload caches every active event starting in [from, to) and seeds its ledger
// counter from the authoritative stock.
func (c *Catalog) Preload(ctx context.Context, from, to time.Time) (int, error) {
	events, err := c.Events.ListActiveEvents(ctx, from, to)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if err := c.store(ctx, ev); err != nil {
			return 0, fmt.Errorf("preload %s: %w", ev.ID, err)
		}
		if err := c.Ledger.Seed(ctx, ev.ID, ev.Stock); err != nil {
			return 0, fmt.Errorf("seed %s: %w", ev.ID, err)
		}
		c.Log.Info("event preloaded", zap.String("event_id", ev.ID), zap.Int("stock", ev.Stock))
	}
	return len(events), nil
}

func (c *Catalog) Invalidate(ctx context.Context, eventID string) error {
	return c.Redis.Del(ctx, redisx.EventInfoKey(eventID)).Err()
}

func (c *Catalog) cached(ctx context.Context, eventID string) (orders.Event, bool, error) {
	m, err := c.Redis.HGetAll(ctx, redisx.EventInfoKey(eventID)).Result()
	if err != nil || len(m) == 0 {
		return orders.Event{}, false, err
	}
	ev, err := decodeEvent(eventID, m)
	if err != nil {
		return orders.Event{}, false, err
	}
	return ev, true, nil
}

func (c *Catalog) store(ctx context.Context, ev orders.Event) error {
	key := redisx.EventInfoKey(ev.ID)
	_, err := c.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, encodeEvent(ev))
		p.Expire(ctx, key, redisx.TTLEventInfo)
		return nil
	})
	return err
}

func encodeEvent(ev orders.Event) map[string]any {
	return map[string]any{
		"product_id": ev.ProductID,
		"price":      ev.Price.String(),
		"start_time": ev.StartTime.UTC().Format(time.RFC3339Nano),
		"end_time":   ev.EndTime.UTC().Format(time.RFC3339Nano),
		"status":     strconv.Itoa(int(ev.Status)),
		"version":    strconv.FormatInt(ev.Version, 10),
	}
}

func decodeEvent(id string, m map[string]string) (orders.Event, error) {
	ev := orders.Event{ID: id, ProductID: m["product_id"]}
	var err error
	if ev.Price, err = decimal.NewFromString(m["price"]); err != nil {
		return ev, fmt.Errorf("price: %w", err)
	}
	if ev.StartTime, err = time.Parse(time.RFC3339Nano, m["start_time"]); err != nil {
		return ev, fmt.Errorf("start_time: %w", err)
	}
	if ev.EndTime, err = time.Parse(time.RFC3339Nano, m["end_time"]); err != nil {
		return ev, fmt.Errorf("end_time: %w", err)
	}
	status, err := strconv.Atoi(m["status"])
	if err != nil {
		return ev, fmt.Errorf("status: %w", err)
	}
	ev.Status = orders.EventStatus(status)
	if ev.Version, err = strconv.ParseInt(m["version"], 10, 64); err != nil {
		return ev, fmt.Errorf("version: %w", err)
	}
	return ev, nil
}
