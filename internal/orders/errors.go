package orders

import "errors"

// Business rejections. Nothing needs compensating when one of these is returned.
var (
	ErrStockExhausted    = errors.New("stock exhausted")
	ErrEventNotFound     = errors.New("event not found")
	ErrEventExpired      = errors.New("event not open for sale")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrNotOwner          = errors.New("order belongs to another member")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")

	// ErrDuplicateOrder means the order row already exists; a redelivered creation
	// message is the usual cause.
	ErrDuplicateOrder = errors.New("order already exists")
)

// Faults.
var (
	ErrPublishFailure     = errors.New("publish order message failed")
	ErrPersistenceFault   = errors.New("persist order failed")
	ErrStockInconsistent  = errors.New("authoritative stock below reservation")
	ErrConflict           = errors.New("record was updated by someone else")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnexpectedEnvelope = errors.New("unexpected envelope type")
)
