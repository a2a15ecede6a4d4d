// Package ordertest provides an in-memory order store for pipeline tests.
//
// Units of work are serialized by one mutex, which gives every GetOrderForUpdate
// the exclusive-lock semantics of the relational store. Writes are staged on a copy
// and only published on commit.
package ordertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu     sync.Mutex
	orders map[string]orders.Order
	events map[string]orders.Event

	// Failure injection. Each hook is consulted inside the unit of work.
	FailInsert error
	FailLock   error
	FailCommit error
	// FailAfterCommit publishes the writes and still reports an error, like a
	// connection lost before the commit acknowledgement arrived.
	FailAfterCommit error

	commits int
}

func NewStore() *Store {
	return &Store{
		orders: map[string]orders.Order{},
		events: map[string]orders.Event{},
	}
}

func (s *Store) PutEvent(e orders.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

func (s *Store) PutOrder(o orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *Store) Order(id string) (orders.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

func (s *Store) EventStock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id].Stock
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *Store) WithTx(ctx context.Context, fn func(orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:      s,
		orders: make(map[string]orders.Order, len(s.orders)),
		events: make(map[string]orders.Event, len(s.events)),
	}
	for k, v := range s.orders {
		tx.orders[k] = v
	}
	for k, v := range s.events {
		tx.events[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailCommit != nil {
		return s.FailCommit
	}
	s.orders, s.events = tx.orders, tx.events
	s.commits++
	return s.FailAfterCommit
}

type memTx struct {
	s      *Store
	orders map[string]orders.Order
	events map[string]orders.Event
}

func (t *memTx) InsertOrder(_ context.Context, o orders.Order) error {
	if t.s.FailInsert != nil {
		return t.s.FailInsert
	}
	if _, ok := t.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", orders.ErrDuplicateOrder, o.ID)
	}
	o.Version = 0
	t.orders[o.ID] = o
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (orders.Order, error) {
	if t.s.FailLock != nil {
		return orders.Order{}, t.s.FailLock
	}
	o, ok := t.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, o orders.Order, to orders.Status) (orders.Order, error) {
	if !orders.CanTransition(o.Status, to) {
		return o, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, o.Status, to)
	}
	cur, ok := t.orders[o.ID]
	if !ok || cur.Version != o.Version {
		return o, orders.ErrConflict
	}
	cur.Status = to
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	t.orders[o.ID] = cur
	return cur, nil
}

func (t *memTx) DecreaseEventStock(_ context.Context, eventID string, qty int) error {
	e, ok := t.events[eventID]
	if !ok || e.Stock < qty {
		return fmt.Errorf("%w: event %s qty %d", orders.ErrStockInconsistent, eventID, qty)
	}
	e.Stock -= qty
	t.events[eventID] = e
	return nil
}

func (t *memTx) IncreaseEventStock(_ context.Context, eventID string, qty int) error {
	e, ok := t.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrEventNotFound, eventID)
	}
	e.Stock += qty
	t.events[eventID] = e
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (orders.Order, error) {
	o, ok := s.Order(id)
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (s *Store) SearchOrders(_ context.Context, f orders.OrderFilter) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []orders.Order
	for _, o := range s.orders {
		switch {
		case f.MemberID != "" && o.MemberID != f.MemberID,
			f.EventID != "" && o.EventID != f.EventID,
			f.ProductID != "" && o.ProductID != f.ProductID,
			f.Status != "" && o.Status != f.Status,
			!f.CreatedAfter.IsZero() && o.CreatedAt.Before(f.CreatedAfter),
			!f.CreatedBefore.IsZero() && !o.CreatedAt.Before(f.CreatedBefore):
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[max(f.Offset, 0):]
	if n := f.PageSize(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Store) GetEvent(_ context.Context, id string) (orders.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return orders.Event{}, orders.ErrEventNotFound
	}
	return e, nil
}

func (s *Store) ListActiveEvents(_ context.Context, from, to time.Time) ([]orders.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Event
	for _, e := range s.events {
		if e.Status == orders.EventActive && !e.StartTime.Before(from) && e.StartTime.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) UpdateOrderTotal(_ context.Context, id string, total decimal.Decimal, expectedVersion int64) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if o.Version != expectedVersion {
		return orders.Order{}, orders.ErrConflict
	}
	o.TotalPrice = total
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return o, nil
}

func (s *Store) UpdateEvent(_ context.Context, e orders.Event, expectedVersion int64) (orders.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[e.ID]
	if !ok {
		return orders.Event{}, orders.ErrEventNotFound
	}
	if cur.Version != expectedVersion {
		return orders.Event{}, orders.ErrConflict
	}
	cur.Price, cur.StartTime, cur.EndTime, cur.Status = e.Price, e.StartTime, e.EndTime, e.Status
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	s.events[e.ID] = cur
	return cur, nil
}
