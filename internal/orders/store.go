package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tx is the set of writes a pipeline step performs inside one unit of work.
// Reads through GetOrderForUpdate hold an exclusive row lock until the unit ends.
type Tx interface {
	InsertOrder(ctx context.Context, o Order) error
	GetOrderForUpdate(ctx context.Context, orderID string) (Order, error)
	// UpdateOrderStatus moves o to status `to` if the stored version still equals
	// o.Version. The returned order carries the bumped version.
	UpdateOrderStatus(ctx context.Context, o Order, to Status) (Order, error)
	DecreaseEventStock(ctx context.Context, eventID string, qty int) error
	IncreaseEventStock(ctx context.Context, eventID string, qty int) error
}

// TxRunner commits when fn returns nil and rolls back otherwise.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	SearchOrders(ctx context.Context, f OrderFilter) ([]Order, error)
}

type EventReader interface {
	GetEvent(ctx context.Context, eventID string) (Event, error)
	ListActiveEvents(ctx context.Context, from, to time.Time) ([]Event, error)
}

// AdminWriter is the administrative mutation path guarded by version checks.
// It never touches stock or order status; those belong to the pipeline.
type AdminWriter interface {
	UpdateOrderTotal(ctx context.Context, orderID string, total decimal.Decimal, expectedVersion int64) (Order, error)
	UpdateEvent(ctx context.Context, e Event, expectedVersion int64) (Event, error)
}
