package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// OrderRepo provides persistence for orders.  Operations that touch an
// order together with its tickets run in one transaction so the stored
// ticket_count and total_amount_cents never disagree with the tickets.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns a new OrderRepo bound to the given database.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

// DB exposes the underlying handle for callers that manage transactions.
func (r *OrderRepo) DB() *sql.DB { return r.db }

const orderColumns = `id, order_number, user_id, status, total_amount_cents, ticket_count, payment_time, created_at, updated_at`

func scanOrder(s rowScanner) (model.Order, error) {
	var (
		o    model.Order
		paid sql.NullTime
	)
	err := s.Scan(&o.ID, &o.Number, &o.UserID, &o.Status, &o.TotalAmountCents, &o.TicketCount, &paid, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if paid.Valid {
		t := paid.Time
		o.PaymentTime = &t
	}
	return o, checkStatus("orders", o.ID, o.Status)
}

// FindByID returns an order or ErrNotFound.
func (r *OrderRepo) FindByID(ctx context.Context, id uint64) (*model.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// FindByNumber returns the order with the given number or ErrNotFound.
func (r *OrderRepo) FindByNumber(ctx context.Context, number string) (*model.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = ?`, number))
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// ListUnpaidBefore returns up to limit PENDING_PAYMENT orders created
// before cutoff, oldest first.
func (r *OrderRepo) ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND created_at < ? ORDER BY created_at, id LIMIT ?`,
		model.OrderPendingPayment, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateWithTickets inserts o and its tickets in one transaction and fills
// in the generated ids.  A reused order number yields ErrDuplicate.
func (r *OrderRepo) CreateWithTickets(ctx context.Context, o *model.Order, tickets []model.Ticket) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := r.CreateTx(ctx, tx, o); err != nil {
		return err
	}
	for i := range tickets {
		tickets[i].OrderID = o.ID
		if err := insertTicket(ctx, tx, &tickets[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// CreateTx inserts an order within the scope of an existing transaction
// and populates its generated id.
func (r *OrderRepo) CreateTx(ctx context.Context, tx *sql.Tx, o *model.Order) error {
	const q = `INSERT INTO orders (order_number, user_id, status, total_amount_cents, ticket_count, payment_time)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, o.Number, o.UserID, o.Status, o.TotalAmountCents, o.TicketCount, o.PaymentTime)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = uint64(id)
	return nil
}

// Update persists status, totals and payment time of an order.
func (r *OrderRepo) Update(ctx context.Context, o *model.Order) error {
	return updateOrder(ctx, r.db, o)
}

func updateOrder(ctx context.Context, ex execer, o *model.Order) error {
	const q = `UPDATE orders SET status = ?, total_amount_cents = ?, ticket_count = ?, payment_time = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`
	res, err := ex.ExecContext(ctx, q, o.Status, o.TotalAmountCents, o.TicketCount, o.PaymentTime, o.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveWithTickets updates an order and the given tickets atomically.
func (r *OrderRepo) SaveWithTickets(ctx context.Context, o *model.Order, tickets []model.Ticket) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := updateOrder(ctx, tx, o); err != nil {
		return err
	}
	for i := range tickets {
		if err := updateTicket(ctx, tx, &tickets[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// AddTicket appends a ticket to an existing order and stores the order's
// new totals in the same transaction.
func (r *OrderRepo) AddTicket(ctx context.Context, o *model.Order, t *model.Ticket) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	t.OrderID = o.ID
	if err := insertTicket(ctx, tx, t); err != nil {
		return err
	}
	if err := updateOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
