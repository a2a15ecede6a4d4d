package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated     = "OrderCreated"
	EventOrderCancelCheck = "OrderCancelCheck"
)

const envelopeVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps an order snapshot. The snapshot is the payload for both the
// creation and the cancellation message.
func NewEnvelope(eventType, producer string, o Order) (Envelope, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: o.ID,
		Payload:       payload,
	}, nil
}

// DecodeOrder parses an envelope of the wanted type and returns its snapshot.
func DecodeOrder(b []byte, wantType string) (Envelope, Order, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, Order{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.EventType != wantType {
		return env, Order{}, fmt.Errorf("%w: got %q want %q", ErrUnexpectedEnvelope, env.EventType, wantType)
	}
	var o Order
	if err := json.Unmarshal(env.Payload, &o); err != nil {
		return env, Order{}, fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	if o.ID == "" {
		return env, Order{}, fmt.Errorf("%w: missing order_id", ErrMalformedEnvelope)
	}
	return env, o, nil
}
