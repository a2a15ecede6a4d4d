package settlement

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
	"github.com/ariefcatur/go-flashsale-orders/internal/watchdog"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *ordertest.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := ordertest.NewStore()
	st.PutEvent(orders.Event{ID: "e-1", Stock: 4, Status: orders.EventActive})
	o, _ := orders.NewPending("o-1", "m-1", orders.Event{ID: "e-1", ProductID: "p-1", Price: decimal.NewFromInt(3)}, 1, now)
	st.PutOrder(o)
	return &Service{Store: st, Cache: &orders.StatusCache{Redis: rdb}}, st, rdb
}

func TestPay(t *testing.T) {
	svc, st, _ := setup(t)
	res, err := svc.Pay(context.Background(), "m-1", "o-1")
	if err != nil || res.Outcome != OutcomePaid {
		t.Fatalf("pay: %s %v", res.Outcome, err)
	}
	if res.Order.Status != orders.StatusPaid || res.Order.Version != 1 {
		t.Fatalf("result order %+v", res.Order)
	}
	if o, _ := st.Order("o-1"); o.Status != orders.StatusPaid {
		t.Fatalf("stored status %s", o.Status)
	}
}

func TestPayRejections(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()

	if res, _ := svc.Pay(ctx, "m-1", "o-404"); res.Outcome != OutcomeNotFound {
		t.Fatalf("unknown order: %s", res.Outcome)
	}
	if res, _ := svc.Pay(ctx, "m-2", "o-1"); res.Outcome != OutcomeNotOwner {
		t.Fatalf("foreign order: %s", res.Outcome)
	}
	if o, _ := st.Order("o-1"); o.Status != orders.StatusPending {
		t.Fatalf("rejected payment changed the order")
	}
	if res, err := svc.Pay(ctx, "m-1", "o-1"); err != nil || res.Outcome != OutcomePaid {
		t.Fatalf("pay: %v", err)
	}
	if res, err := svc.Pay(ctx, "m-1", "o-1"); err != nil || res.Outcome != OutcomeInvalidState {
		t.Fatalf("second pay: %s %v", res.Outcome, err)
	}
}

func TestPayFailedOrderRejected(t *testing.T) {
	svc, st, _ := setup(t)
	o, _ := st.Order("o-1")
	o.Status = orders.StatusFailed
	st.PutOrder(o)

	res, err := svc.Pay(context.Background(), "m-1", "o-1")
	if err != nil || res.Outcome != OutcomeInvalidState || res.Order.Status != orders.StatusFailed {
		t.Fatalf("pay failed order: %+v %v", res, err)
	}
}

func TestPayStoreFault(t *testing.T) {
	svc, st, _ := setup(t)
	st.FailLock = errors.New("lock timeout")
	if _, err := svc.Pay(context.Background(), "m-1", "o-1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPayRefreshesLatestOrder(t *testing.T) {
	svc, st, rdb := setup(t)
	ctx := context.Background()
	o, _ := st.Order("o-1")
	cache := &orders.StatusCache{Redis: rdb}
	_ = cache.SetLatest(ctx, o)

	if _, err := svc.Pay(ctx, "m-1", "o-1"); err != nil {
		t.Fatalf("pay: %v", err)
	}
	latest, _ := cache.GetLatest(ctx, "m-1")
	if latest == nil || latest.Status != orders.StatusPaid {
		t.Fatalf("latest %+v", latest)
	}
}

// Pay and cancel race on the same PENDING order: exactly one terminal state wins
// and stock is restored only when cancel won.
func TestPayAndCancelAreMutuallyExclusive(t *testing.T) {
	for i := 0; i < 50; i++ {
		svc, st, rdb := setup(t)
		l := ledger.New(rdb)
		_ = l.Seed(context.Background(), "e-1", 4)
		wd := &watchdog.Watchdog{Store: st, Ledger: l, Cache: svc.Cache, Log: zap.NewNop()}

		var (
			wg      sync.WaitGroup
			payRes  Result
			cancRes watchdog.Result
			payErr  error
			cancErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			payRes, payErr = svc.Pay(context.Background(), "m-1", "o-1")
		}()
		go func() {
			defer wg.Done()
			cancRes, cancErr = wd.Cancel(context.Background(), "o-1")
		}()
		wg.Wait()
		if payErr != nil || cancErr != nil {
			t.Fatalf("pay=%v cancel=%v", payErr, cancErr)
		}

		paid := payRes.Outcome == OutcomePaid
		cancelled := cancRes == watchdog.ResultCancelled
		if paid == cancelled {
			t.Fatalf("run %d: paid=%v cancelled=%v", i, paid, cancelled)
		}
		o, _ := st.Order("o-1")
		left, _ := l.Remaining(context.Background(), "e-1")
		switch {
		case paid && (o.Status != orders.StatusPaid || st.EventStock("e-1") != 4 || left != 4):
			t.Fatalf("run %d: pay won but status=%s store=%d ledger=%d", i, o.Status, st.EventStock("e-1"), left)
		case cancelled && (o.Status != orders.StatusFailed || st.EventStock("e-1") != 5 || left != 5):
			t.Fatalf("run %d: cancel won but status=%s store=%d ledger=%d", i, o.Status, st.EventStock("e-1"), left)
		case cancelled && payRes.Outcome != OutcomeInvalidState:
			t.Fatalf("run %d: losing payment got %s", i, payRes.Outcome)
		}
	}
}
