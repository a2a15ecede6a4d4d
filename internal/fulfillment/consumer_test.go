package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-flashsale-orders/internal/ledger"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders/ordertest"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scheduler struct {
	mu   sync.Mutex
	sent []orders.Order
	err  error
}

func (s *scheduler) ScheduleCancel(_ context.Context, o orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, o)
	return nil
}

type fixture struct {
	c      *Consumer
	store  *ordertest.Store
	ledger *ledger.Ledger
	cache  *orders.StatusCache
	sched  *scheduler
}

// newFixture seeds event e-1 with 10 units in the store and 8 in the ledger,
// i.e. two units already reserved by admission.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := ordertest.NewStore()
	st.PutEvent(orders.Event{ID: "e-1", ProductID: "p-1", Price: decimal.NewFromInt(10), Stock: 10,
		Status: orders.EventActive, StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)})
	l := ledger.New(rdb)
	if err := l.Seed(context.Background(), "e-1", 8); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f := &fixture{store: st, ledger: l, cache: &orders.StatusCache{Redis: rdb}, sched: &scheduler{}}
	f.c = &Consumer{Store: st, Orders: st, Cache: f.cache, Channel: f.sched, Ledger: l, Log: zap.NewNop()}
	return f
}

func pending(id string) orders.Order {
	ev := orders.Event{ID: "e-1", ProductID: "p-1", Price: decimal.NewFromInt(10)}
	o, _ := orders.NewPending(id, "m-1", ev, 2, now)
	return o
}

func (f *fixture) remaining(t *testing.T) int64 {
	t.Helper()
	n, err := f.ledger.Remaining(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	return n
}

func TestFulfillRecordsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.c.Fulfill(ctx, pending("o-1")); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	got, ok := f.store.Order("o-1")
	if !ok || got.Status != orders.StatusPending || got.Quantity != 2 {
		t.Fatalf("stored order %+v ok=%v", got, ok)
	}
	if f.store.EventStock("e-1") != 8 {
		t.Fatalf("authoritative stock %d", f.store.EventStock("e-1"))
	}
	latest, err := f.cache.GetLatest(ctx, "m-1")
	if err != nil || latest == nil || latest.ID != "o-1" {
		t.Fatalf("latest order %+v %v", latest, err)
	}
	if len(f.sched.sent) != 1 || f.sched.sent[0].ID != "o-1" {
		t.Fatalf("cancel check not scheduled")
	}
	if f.remaining(t) != 8 {
		t.Fatalf("success must not touch the ledger")
	}
}

func TestFulfillPersistenceFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.store.FailInsert = errors.New("connection reset")

	err := f.c.Fulfill(context.Background(), pending("o-1"))
	if !errors.Is(err, orders.ErrPersistenceFault) {
		t.Fatalf("expected ErrPersistenceFault, got %v", err)
	}
	if f.store.OrderCount() != 0 {
		t.Fatalf("no order row may exist")
	}
	if f.remaining(t) != 10 {
		t.Fatalf("ledger must be back to its pre-admission value, got %d", f.remaining(t))
	}
	if len(f.sched.sent) != 0 {
		t.Fatalf("no cancel check for an unrecorded order")
	}
}

func TestFulfillScheduleFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.sched.err = errors.New("broker down")

	if err := f.c.Fulfill(context.Background(), pending("o-1")); !errors.Is(err, orders.ErrPersistenceFault) {
		t.Fatalf("expected ErrPersistenceFault, got %v", err)
	}
	if f.store.OrderCount() != 0 || f.store.EventStock("e-1") != 10 {
		t.Fatalf("unit of work must roll back: orders=%d stock=%d", f.store.OrderCount(), f.store.EventStock("e-1"))
	}
	if latest, _ := f.cache.GetLatest(context.Background(), "m-1"); latest != nil {
		t.Fatalf("latest-order entry must be cleared, got %+v", latest)
	}
	if f.remaining(t) != 10 {
		t.Fatalf("remaining %d", f.remaining(t))
	}
}

func TestFulfillCommitFailureClearsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.c.Fulfill(ctx, pending("o-1")); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	f.store.FailCommit = errors.New("commit failed")

	if err := f.c.Fulfill(ctx, pending("o-2")); err == nil {
		t.Fatalf("expected failure")
	}
	// o-2 overwrote the entry inside the failed unit
	if latest, _ := f.cache.GetLatest(ctx, "m-1"); latest != nil {
		t.Fatalf("entry of the failed order must not survive, got %s", latest.ID)
	}
}

func TestFulfillRedeliveryIsNotCompensated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := pending("o-1")
	if err := f.c.Fulfill(ctx, o); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := f.c.Fulfill(ctx, o); err != nil {
		t.Fatalf("redelivery must be acknowledged, got %v", err)
	}
	if f.remaining(t) != 8 || f.store.EventStock("e-1") != 8 {
		t.Fatalf("redelivery changed stock: ledger=%d store=%d", f.remaining(t), f.store.EventStock("e-1"))
	}
}

func TestFulfillInconsistentStoreStock(t *testing.T) {
	f := newFixture(t)
	f.store.PutEvent(orders.Event{ID: "e-1", Stock: 1})

	err := f.c.Fulfill(context.Background(), pending("o-1"))
	if !errors.Is(err, orders.ErrPersistenceFault) {
		t.Fatalf("expected ErrPersistenceFault, got %v", err)
	}
	if f.store.OrderCount() != 0 || f.remaining(t) != 10 {
		t.Fatalf("orders=%d remaining=%d", f.store.OrderCount(), f.remaining(t))
	}
}

func TestHandleRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	cases := map[string][]byte{
		"not json":   []byte("{"),
		"wrong type": mustEnvelope(t, orders.EventOrderCancelCheck, pending("o-1")),
	}
	for name, v := range cases {
		err := f.c.HandleOrderCreated(context.Background(), kafkaMessage(v))
		if !errors.Is(err, orders.ErrMalformedEnvelope) && !errors.Is(err, orders.ErrUnexpectedEnvelope) {
			t.Fatalf("%s: got %v", name, err)
		}
	}
	if f.remaining(t) != 8 {
		t.Fatalf("a snapshot that was never decoded cannot be compensated")
	}
}

func TestInvalidSnapshotRestoresReservation(t *testing.T) {
	paid := pending("o-1")
	paid.Status = orders.StatusPaid
	noMember := pending("o-2")
	noMember.MemberID = ""
	noQty := pending("o-3")
	noQty.Quantity = 0

	cases := []struct {
		name string
		o    orders.Order
		want int64
	}{
		{"not pending", paid, 10},
		{"no member", noMember, 10},
		{"no quantity", noQty, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.c.HandleOrderCreated(context.Background(), kafkaMessage(mustEnvelope(t, orders.EventOrderCreated, tc.o)))
			if !errors.Is(err, orders.ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
			if f.store.OrderCount() != 0 {
				t.Fatalf("invalid snapshot must not be stored")
			}
			if got := f.remaining(t); got != tc.want {
				t.Fatalf("remaining %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFulfillLostCommitAckIsNotCompensated(t *testing.T) {
	f := newFixture(t)
	f.store.FailAfterCommit = errors.New("connection reset after commit")

	if err := f.c.Fulfill(context.Background(), pending("o-1")); err != nil {
		t.Fatalf("a recorded order must be acknowledged, got %v", err)
	}
	if _, ok := f.store.Order("o-1"); !ok {
		t.Fatalf("order row expected")
	}
	// the scheduled cancel check owns this reservation now
	if f.remaining(t) != 8 {
		t.Fatalf("ledger compensated for a stored order: %d", f.remaining(t))
	}
	if latest, _ := f.cache.GetLatest(context.Background(), "m-1"); latest == nil || latest.ID != "o-1" {
		t.Fatalf("latest-order entry must survive, got %+v", latest)
	}
	if len(f.sched.sent) != 1 {
		t.Fatalf("cancel check not scheduled")
	}
}
