package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo is the authoritative relational store for orders and event stock.
type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, member_id, product_id, event_id, quantity, total_price::text, status, version, created_at, updated_at`

const eventColumns = `id, product_id, price::text, stock, start_time, end_time, status, version, created_at, updated_at`

func (r *Repo) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) InsertOrder(ctx context.Context, o Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, member_id, product_id, event_id, quantity, total_price, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, 0, $8, $8)
	`, o.ID, o.MemberID, o.ProductID, o.EventID, o.Quantity, o.TotalPrice.String(), string(o.Status), o.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	return err
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, orderID string) (Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, orderID)
	return scanOrder(row)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, o Order, to Status) (Order, error) {
	if !CanTransition(o.Status, to) {
		return o, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE orders SET status=$3, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$2
		RETURNING version, updated_at
	`, o.ID, o.Version, string(to))
	if err := row.Scan(&o.Version, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, ErrConflict
		}
		return o, err
	}
	o.Status = to
	return o, nil
}

// DecreaseEventStock refuses to take stock below zero.
func (t *pgTx) DecreaseEventStock(ctx context.Context, eventID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE events SET stock = stock - $2, updated_at=now()
		WHERE id=$1 AND stock >= $2
	`, eventID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: event %s qty %d", ErrStockInconsistent, eventID, qty)
	}
	return nil
}

func (t *pgTx) IncreaseEventStock(ctx context.Context, eventID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE events SET stock = stock + $2, updated_at=now() WHERE id=$1`, eventID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	return scanOrder(row)
}

func (r *Repo) SearchOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.MemberID != "" {
		add("member_id = $%d", f.MemberID)
	}
	if f.EventID != "" {
		add("event_id = $%d", f.EventID)
	}
	if f.ProductID != "" {
		add("product_id = $%d", f.ProductID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.PageSize(), max(f.Offset, 0))
	q += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateOrderTotal(ctx context.Context, orderID string, total decimal.Decimal, expectedVersion int64) (Order, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE orders SET total_price=$3::numeric, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$2
		RETURNING `+orderColumns,
		orderID, expectedVersion, total.String())
	o, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		if _, getErr := r.GetOrder(ctx, orderID); getErr != nil {
			return Order{}, getErr
		}
		return Order{}, ErrConflict
	}
	return o, err
}

func (r *Repo) InsertEvent(ctx context.Context, e Event) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO events(id, product_id, price, stock, start_time, end_time, status, version)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, 0)
	`, e.ID, e.ProductID, e.Price.String(), e.Stock, e.StartTime, e.EndTime, int(e.Status))
	return err
}

func (r *Repo) GetEvent(ctx context.Context, eventID string) (Event, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1`, eventID)
	return scanEvent(row)
}

// ListActiveEvents returns active events whose sale starts inside [from, to).
func (r *Repo) ListActiveEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time
	`, int(EventActive), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEvent edits price, window and status. Stock is owned by the pipeline.
func (r *Repo) UpdateEvent(ctx context.Context, e Event, expectedVersion int64) (Event, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE events SET price=$3::numeric, start_time=$4, end_time=$5, status=$6, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$2
		RETURNING `+eventColumns,
		e.ID, expectedVersion, e.Price.String(), e.StartTime, e.EndTime, int(e.Status))
	out, err := scanEvent(row)
	if errors.Is(err, ErrEventNotFound) {
		if _, getErr := r.GetEvent(ctx, e.ID); getErr != nil {
			return Event{}, getErr
		}
		return Event{}, ErrConflict
	}
	return out, err
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		total  string
		status string
	)
	err := row.Scan(&o.ID, &o.MemberID, &o.ProductID, &o.EventID, &o.Quantity, &total, &status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	if o.TotalPrice, err = decimal.NewFromString(total); err != nil {
		return Order{}, fmt.Errorf("parse total_price: %w", err)
	}
	o.Status = Status(status)
	return o, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e      Event
		price  string
		status int
	)
	err := row.Scan(&e.ID, &e.ProductID, &price, &e.Stock, &e.StartTime, &e.EndTime, &status, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, err
	}
	if e.Price, err = decimal.NewFromString(price); err != nil {
		return Event{}, fmt.Errorf("parse price: %w", err)
	}
	e.Status = EventStatus(status)
	return e, nil
}
