package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is also the snapshot carried by creation and cancellation messages.
type Order struct {
	ID         string          `json:"order_id"`
	MemberID   string          `json:"member_id"`
	ProductID  string          `json:"product_id"`
	EventID    string          `json:"event_id"`
	Quantity   int             `json:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Status     Status          `json:"status"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewPending prices the order once, from the event price at admission time.
func NewPending(id, memberID string, ev Event, qty int, now time.Time) (Order, error) {
	if qty <= 0 {
		return Order{}, ErrInvalidQuantity
	}
	now = now.UTC()
	return Order{
		ID:         id,
		MemberID:   memberID,
		ProductID:  ev.ProductID,
		EventID:    ev.ID,
		Quantity:   qty,
		TotalPrice: ev.Price.Mul(decimal.NewFromInt(int64(qty))),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

type Event struct {
	ID        string          `json:"event_id"`
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Status    EventStatus     `json:"status"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OpenAt reports whether the event accepts orders at t.
func (e Event) OpenAt(t time.Time) bool {
	if e.Status != EventActive {
		return false
	}
	return !t.Before(e.StartTime) && t.Before(e.EndTime)
}

type OrderFilter struct {
	MemberID      string
	EventID       string
	ProductID     string
	Status        Status
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

func (f OrderFilter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return f.Limit
	}
}
