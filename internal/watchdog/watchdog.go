// Package watchdog reclaims stock from orders that were never paid.
//
// It runs once per order, when the delayed cancellation check is delivered. The
// handler is idempotent, so it is attached to the cancel topic with the retry
// policy.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/metrics"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type StockRestorer interface {
	Increment(ctx context.Context, eventID string, qty int) error
}

type LatestOrderRefresher interface {
	RefreshIfLatest(ctx context.Context, o orders.Order) error
}

type Result int

const (
	ResultCancelled Result = iota + 1
	ResultAlreadyFinal
	ResultNotFound
)

func (r Result) String() string {
	switch r {
	case ResultCancelled:
		return "cancelled"
	case ResultAlreadyFinal:
		return "already_final"
	case ResultNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type Watchdog struct {
	Store   orders.TxRunner
	Ledger  StockRestorer
	Cache   LatestOrderRefresher
	Metrics *metrics.Pipeline
	Log     *zap.Logger

	// LedgerAttempts bounds the in-place retries of the ledger restore that follows
	// a committed cancellation.
	LedgerAttempts int
	LedgerBackoff  time.Duration
}

func (w *Watchdog) HandleOrderCancel(ctx context.Context, m kafka.Message) error {
	_, o, err := orders.DecodeOrder(m.Value, orders.EventOrderCancelCheck)
	if err != nil {
		return err
	}
	_, err = w.Cancel(ctx, o.ID)
	return err
}

// Cancel moves a PENDING order to FAILED and restores its stock in the relational
// store and the ledger. Orders already PAID or FAILED are left untouched. Store
// faults are returned for redelivery.
func (w *Watchdog) Cancel(ctx context.Context, orderID string) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "watchdog.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))
	log := w.Log.With(zap.String("order_id", orderID))

	var (
		res       Result
		cancelled orders.Order
	)
	err := w.Store.WithTx(ctx, func(tx orders.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, orders.ErrOrderNotFound) {
			res = ResultNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if o.Status != orders.StatusPending {
			res = ResultAlreadyFinal
			cancelled = o
			return nil
		}
		failed, err := tx.UpdateOrderStatus(ctx, o, orders.StatusFailed)
		if err != nil {
			return err
		}
		if err := tx.IncreaseEventStock(ctx, o.EventID, o.Quantity); err != nil {
			return fmt.Errorf("restore authoritative stock: %w", err)
		}
		res, cancelled = ResultCancelled, failed
		return nil
	})
	if err != nil {
		span.RecordError(err)
		w.metrics().Cancellations.WithLabelValues("error").Inc()
		log.Warn("cancellation check failed", zap.Error(err))
		return res, err
	}
	w.metrics().Cancellations.WithLabelValues(res.String()).Inc()

	switch res {
	case ResultNotFound:
		// fulfillment never committed this order and already restored its reservation
		log.Info("cancellation for unknown order ignored")
	case ResultAlreadyFinal:
		log.Debug("order already final", zap.String("status", string(cancelled.Status)))
	case ResultCancelled:
		log = log.With(zap.String("event_id", cancelled.EventID), zap.String("member_id", cancelled.MemberID))
		w.restoreLedger(ctx, cancelled, log)
		if err := w.Cache.RefreshIfLatest(ctx, cancelled); err != nil {
			log.Warn("refresh latest order failed", zap.Error(err))
		}
		log.Info("unpaid order cancelled", zap.Int("quantity", cancelled.Quantity))
	}
	return res, nil
}

// restoreLedger runs after the FAILED transition committed. Returning an error here
// would redeliver a message whose order is no longer PENDING, so the restore is
// retried in place and a persisting failure is only reported.
func (w *Watchdog) restoreLedger(ctx context.Context, o orders.Order, log *zap.Logger) {
	attempts := w.LedgerAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := w.LedgerBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var (
		err  error
		made int
	)
retry:
	for made < attempts {
		made++
		if err = w.Ledger.Increment(ctx, o.EventID, o.Quantity); err == nil {
			w.metrics().Compensations.WithLabelValues("watchdog").Inc()
			return
		}
		if made == attempts {
			break
		}
		select {
		case <-time.After(backoff * time.Duration(made)):
		case <-ctx.Done():
			break retry
		}
	}
	w.metrics().Compensations.WithLabelValues("watchdog_ledger_failed").Inc()
	log.Error("ledger restore failed, ledger below authoritative stock",
		zap.Int("quantity", o.Quantity), zap.Int("attempts", made), zap.Error(err))
}

var nopMetrics = metrics.Nop()

func (w *Watchdog) metrics() *metrics.Pipeline {
	if w.Metrics == nil {
		return nopMetrics
	}
	return w.Metrics
}
