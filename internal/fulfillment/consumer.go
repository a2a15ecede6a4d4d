package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-flashsale-orders/internal/metrics"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type LatestOrderCache interface {
	SetLatest(ctx context.Context, o orders.Order) error
	ClearIfLatest(ctx context.Context, memberID, orderID string) error
}

type CancelScheduler interface {
	ScheduleCancel(ctx context.Context, o orders.Order) error
}

type OrderLookup interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
}

type StockRestorer interface {
	Increment(ctx context.Context, eventID string, qty int) error
}

// Consumer records admitted orders durably. It is attached to the creation topic
// with the dead-letter policy: a failed message is compensated here and never
// retried.
type Consumer struct {
	Store   orders.TxRunner
	Cache   LatestOrderCache
	Channel CancelScheduler
	Ledger  StockRestorer
	// Orders, when set, is consulted after a failed unit of work; a commit whose
	// acknowledgement was lost must not be compensated.
	Orders  OrderLookup
	Metrics *metrics.Pipeline
	Log     *zap.Logger
}

func (c *Consumer) HandleOrderCreated(ctx context.Context, m kafka.Message) error {
	_, o, err := orders.DecodeOrder(m.Value, orders.EventOrderCreated)
	if err != nil {
		// nothing to compensate without a readable snapshot
		return err
	}
	return c.Fulfill(ctx, o)
}

// Fulfill persists o, publishes its latest-order entry and schedules its
// cancellation check as one unit of work. On failure the ledger reservation is
// restored before the error is returned, so the caller must not retry.
func (c *Consumer) Fulfill(ctx context.Context, o orders.Order) error {
	ctx, span := tracing.Tracer().Start(ctx, "fulfillment.Fulfill")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", o.ID), attribute.String("event_id", o.EventID))

	log := c.Log.With(
		zap.String("order_id", o.ID),
		zap.String("event_id", o.EventID),
		zap.String("member_id", o.MemberID),
	)
	if o.Status != orders.StatusPending || o.Quantity <= 0 || o.EventID == "" || o.MemberID == "" {
		if o.EventID != "" && o.Quantity > 0 {
			// admission reserved o.Quantity on o.EventID before publishing
			c.compensate(ctx, o, log)
		}
		return fmt.Errorf("%w: snapshot %s status=%s qty=%d", orders.ErrMalformedEnvelope, o.ID, o.Status, o.Quantity)
	}

	err := c.Store.WithTx(ctx, func(tx orders.Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.DecreaseEventStock(ctx, o.EventID, o.Quantity); err != nil {
			return err
		}
		if err := c.Cache.SetLatest(ctx, o); err != nil {
			return fmt.Errorf("cache latest order: %w", err)
		}
		if err := c.Channel.ScheduleCancel(ctx, o); err != nil {
			return fmt.Errorf("schedule cancel: %w", err)
		}
		return nil
	})
	if errors.Is(err, orders.ErrDuplicateOrder) {
		// redelivery of a message that was already recorded; its reservation now
		// belongs to the stored order
		log.Warn("order already recorded, skipping")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		if c.stored(ctx, o.ID, log) {
			log.Warn("unit of work failed after commit, order is recorded", zap.Error(err))
			return nil
		}
		c.compensate(ctx, o, log)
		return fmt.Errorf("%w: order %s: %v", orders.ErrPersistenceFault, o.ID, err)
	}

	log.Info("order recorded", zap.Int("quantity", o.Quantity))
	return nil
}

// stored reports whether the order row exists. A failed lookup counts as absent.
func (c *Consumer) stored(ctx context.Context, orderID string, log *zap.Logger) bool {
	if c.Orders == nil {
		return false
	}
	_, err := c.Orders.GetOrder(ctx, orderID)
	if err != nil && !errors.Is(err, orders.ErrOrderNotFound) {
		log.Warn("order lookup after failed unit of work", zap.Error(err))
	}
	return err == nil
}

func (c *Consumer) compensate(ctx context.Context, o orders.Order, log *zap.Logger) {
	if o.MemberID != "" {
		if err := c.Cache.ClearIfLatest(ctx, o.MemberID, o.ID); err != nil {
			log.Warn("clear latest order failed", zap.Error(err))
		}
	}
	c.metrics().Compensations.WithLabelValues("fulfillment").Inc()
	if err := c.Ledger.Increment(ctx, o.EventID, o.Quantity); err != nil {
		log.Error("ledger compensation failed, stock leaked", zap.Int("quantity", o.Quantity), zap.Error(err))
		return
	}
	log.Error("order not recorded, reservation restored", zap.Int("quantity", o.Quantity))
}

var nopMetrics = metrics.Nop()

func (c *Consumer) metrics() *metrics.Pipeline {
	if c.Metrics == nil {
		return nopMetrics
	}
	return c.Metrics
}
