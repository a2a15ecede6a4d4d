// Package admission decides, synchronously and without touching the relational
// store, whether a purchase request gets a unit of stock.
//
// An accepted request is a promise backed by the stock ledger; the order row is
// written later by the fulfillment consumer.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/logx"
	"github.com/ariefcatur/go-flashsale-orders/internal/metrics"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type EventLookup interface {
	GetEvent(ctx context.Context, eventID string) (orders.Event, error)
}

type StockLedger interface {
	TryDecrement(ctx context.Context, eventID string, qty int) (int64, error)
	Increment(ctx context.Context, eventID string, qty int) error
}

type CreatedPublisher interface {
	PublishCreated(ctx context.Context, o orders.Order) error
}

type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeInvalidRequest
	OutcomeEventNotFound
	OutcomeEventExpired
	OutcomeStockExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeInvalidRequest:
		return "invalid_request"
	case OutcomeEventNotFound:
		return "event_not_found"
	case OutcomeEventExpired:
		return "event_expired"
	case OutcomeStockExhausted:
		return "stock_exhausted"
	default:
		return "unknown"
	}
}

type Request struct {
	EventID  string
	MemberID string
	Quantity int
}

// Result carries the order snapshot when Outcome is OutcomeAccepted and a short
// reason for every rejection.
type Result struct {
	Outcome Outcome
	Order   orders.Order
	Reason  string
}

const DefaultMaxPerOrder = 10

type Service struct {
	Events  EventLookup
	Ledger  StockLedger
	Channel CreatedPublisher
	Metrics *metrics.Pipeline

	MaxPerOrder    int
	PublishTimeout time.Duration
	Now            func() time.Time
	NewID          func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

var nopMetrics = metrics.Nop()

func (s *Service) metrics() *metrics.Pipeline {
	if s.Metrics == nil {
		return nopMetrics
	}
	return s.Metrics
}

// Admit returns a non-nil error only for faults: ledger transport errors, catalog
// faults, and orders.ErrPublishFailure after the reservation has been restored.
func (s *Service) Admit(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "admission.Admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("member_id", req.MemberID),
		attribute.Int("quantity", req.Quantity),
	)
	log := logx.FromContext(ctx).With(zap.String("event_id", req.EventID), zap.String("member_id", req.MemberID))

	res, err := s.admit(ctx, req, log)
	label := res.Outcome.String()
	if err != nil {
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics().Admissions.WithLabelValues(label).Inc()
	return res, err
}

func (s *Service) admit(ctx context.Context, req Request, log *zap.Logger) (Result, error) {
	if reason := s.validate(req); reason != "" {
		return Result{Outcome: OutcomeInvalidRequest, Reason: reason}, nil
	}

	ev, err := s.Events.GetEvent(ctx, req.EventID)
	switch {
	case errors.Is(err, orders.ErrEventNotFound):
		return Result{Outcome: OutcomeEventNotFound, Reason: err.Error()}, nil
	case errors.Is(err, orders.ErrEventExpired):
		return Result{Outcome: OutcomeEventExpired, Reason: err.Error()}, nil
	case err != nil:
		return Result{}, fmt.Errorf("resolve event %s: %w", req.EventID, err)
	}

	left, err := s.Ledger.TryDecrement(ctx, ev.ID, req.Quantity)
	if errors.Is(err, orders.ErrStockExhausted) {
		log.Info("stock exhausted", zap.Int("quantity", req.Quantity))
		return Result{Outcome: OutcomeStockExhausted, Reason: err.Error()}, nil
	}
	if err != nil {
		return Result{}, err
	}

	o, err := orders.NewPending(s.newID(), req.MemberID, ev, req.Quantity, s.now())
	if err != nil {
		s.compensate(ctx, ev.ID, req.Quantity, log)
		return Result{}, err
	}
	log = log.With(zap.String("order_id", o.ID))

	pctx, cancel := s.publishContext(ctx)
	err = s.Channel.PublishCreated(pctx, o)
	cancel()
	if err != nil {
		log.Error("publish order created failed", zap.Error(err))
		s.compensate(ctx, ev.ID, req.Quantity, log)
		return Result{}, fmt.Errorf("%w: order %s: %v", orders.ErrPublishFailure, o.ID, err)
	}

	log.Info("order admitted", zap.Int("quantity", o.Quantity), zap.Int64("stock_left", left))
	return Result{Outcome: OutcomeAccepted, Order: o}, nil
}

func (s *Service) validate(req Request) string {
	limit := s.MaxPerOrder
	if limit <= 0 {
		limit = DefaultMaxPerOrder
	}
	switch {
	case req.EventID == "":
		return "event_id is required"
	case req.MemberID == "":
		return "member_id is required"
	case req.Quantity <= 0:
		return orders.ErrInvalidQuantity.Error()
	case req.Quantity > limit:
		return fmt.Sprintf("quantity must not exceed %d", limit)
	}
	return ""
}

func (s *Service) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.PublishTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.PublishTimeout)
}

// compensate restores a reservation exactly once. It ignores caller cancellation:
// a client that hung up must not leak stock.
func (s *Service) compensate(ctx context.Context, eventID string, qty int, log *zap.Logger) {
	s.metrics().Compensations.WithLabelValues("admission").Inc()
	if err := s.Ledger.Increment(context.WithoutCancel(ctx), eventID, qty); err != nil {
		log.Error("ledger compensation failed, stock leaked", zap.Int("quantity", qty), zap.Error(err))
		return
	}
	log.Warn("reservation restored", zap.Int("quantity", qty))
}
