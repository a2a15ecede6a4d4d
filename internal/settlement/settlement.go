package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-flashsale-orders/internal/logx"
	"github.com/ariefcatur/go-flashsale-orders/internal/metrics"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type LatestOrderRefresher interface {
	RefreshIfLatest(ctx context.Context, o orders.Order) error
}

type Outcome int

const (
	OutcomePaid Outcome = iota + 1
	OutcomeNotFound
	OutcomeNotOwner
	OutcomeInvalidState
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeNotOwner:
		return "not_owner"
	case OutcomeInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	Order   orders.Order
}

// Service settles payments. It takes the same row lock as the cancellation
// watchdog, so of a concurrent pay and cancel exactly one sees PENDING.
type Service struct {
	Store   orders.TxRunner
	Cache   LatestOrderRefresher
	Metrics *metrics.Pipeline
}

var nopMetrics = metrics.Nop()

func (s *Service) metrics() *metrics.Pipeline {
	if s.Metrics == nil {
		return nopMetrics
	}
	return s.Metrics
}

// Pay marks the member's PENDING order as PAID. Business rejections come back as
// an Outcome; the error is reserved for store faults.
func (s *Service) Pay(ctx context.Context, memberID, orderID string) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "settlement.Pay")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("member_id", memberID))
	log := logx.FromContext(ctx).With(zap.String("order_id", orderID), zap.String("member_id", memberID))

	var res Result
	err := s.Store.WithTx(ctx, func(tx orders.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, orders.ErrOrderNotFound) {
			res = Result{Outcome: OutcomeNotFound}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		switch {
		case o.MemberID != memberID:
			res = Result{Outcome: OutcomeNotOwner}
			return nil
		case o.Status != orders.StatusPending:
			res = Result{Outcome: OutcomeInvalidState, Order: o}
			return nil
		}
		paid, err := tx.UpdateOrderStatus(ctx, o, orders.StatusPaid)
		if err != nil {
			return err
		}
		res = Result{Outcome: OutcomePaid, Order: paid}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics().Settlements.WithLabelValues("error").Inc()
		return Result{}, err
	}
	s.metrics().Settlements.WithLabelValues(res.Outcome.String()).Inc()

	if res.Outcome != OutcomePaid {
		log.Info("payment rejected", zap.Stringer("outcome", res.Outcome), zap.String("status", string(res.Order.Status)))
		return res, nil
	}
	if err := s.Cache.RefreshIfLatest(ctx, res.Order); err != nil {
		log.Warn("refresh latest order failed", zap.Error(err))
	}
	log.Info("order paid")
	return res, nil
}
