package orders

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusFailed, true},
		{StatusPaid, StatusFailed, false},
		{StatusFailed, StatusPaid, false},
		{StatusPending, StatusPending, false},
		{Status("SHIPPED"), StatusPaid, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v", tc.from, tc.to, got)
		}
	}
	if StatusPending.IsFinal() || !StatusPaid.IsFinal() || !StatusFailed.IsFinal() {
		t.Fatalf("unexpected finality")
	}
}

func TestEventOpenAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := Event{Status: EventActive, StartTime: start, EndTime: start.Add(time.Hour)}
	if !e.OpenAt(start) || e.OpenAt(start.Add(time.Hour)) || e.OpenAt(start.Add(-time.Second)) {
		t.Fatalf("window bounds are [start, end)")
	}
	e.Status = EventEnded
	if e.OpenAt(start.Add(time.Minute)) {
		t.Fatalf("ended event must be closed")
	}
}

func TestNewPendingPricesOnce(t *testing.T) {
	ev := Event{ID: "e", ProductID: "p", Price: decimal.RequireFromString("0.10")}
	o, err := NewPending("o", "m", ev, 3, time.Now())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !o.TotalPrice.Equal(decimal.RequireFromString("0.30")) || o.Status != StatusPending || o.Version != 0 {
		t.Fatalf("order %+v", o)
	}
	if _, err := NewPending("o", "m", ev, 0, time.Now()); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("zero quantity: %v", err)
	}
}

func TestEnvelopeDecode(t *testing.T) {
	o, _ := NewPending("o-1", "m-1", Event{ID: "e", ProductID: "p", Price: decimal.NewFromInt(2)}, 1, time.Now())
	env, err := NewEnvelope(EventOrderCreated, "api", o)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.CorrelationID != "o-1" || env.EventID == "" {
		t.Fatalf("envelope %+v", env)
	}
	b, _ := json.Marshal(env)

	if _, got, err := DecodeOrder(b, EventOrderCreated); err != nil || got.ID != "o-1" || !got.TotalPrice.Equal(o.TotalPrice) {
		t.Fatalf("decode: %+v %v", got, err)
	}
	if _, _, err := DecodeOrder(b, EventOrderCancelCheck); !errors.Is(err, ErrUnexpectedEnvelope) {
		t.Fatalf("wrong type: %v", err)
	}
	if _, _, err := DecodeOrder([]byte(`{"event_type":"OrderCreated","payload":{}}`), EventOrderCreated); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("missing order id: %v", err)
	}
}

func TestTopics(t *testing.T) {
	tp := NewTopics("")
	if tp.Created != "flashsale.order.created" || tp.CancelDelay != "flashsale.order.ttl" || tp.CancelDLQ != "flashsale.order.cancel.dlq" {
		t.Fatalf("topics %+v", tp)
	}
}

func TestPageSize(t *testing.T) {
	for limit, want := range map[int]int{0: DefaultPageSize, -1: DefaultPageSize, 5: 5, 1000: MaxPageSize} {
		if got := (OrderFilter{Limit: limit}).PageSize(); got != want {
			t.Fatalf("limit %d: got %d", limit, got)
		}
	}
}
