package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// WaitlistRepo persists waitlist orders and their items.
type WaitlistRepo struct {
	db *sql.DB
}

// NewWaitlistRepo returns a new WaitlistRepo bound to the given database.
func NewWaitlistRepo(db *sql.DB) *WaitlistRepo { return &WaitlistRepo{db: db} }

const waitlistOrderColumns = `id, order_number, user_id, status, total_amount_cents, item_count, payment_time, created_at, updated_at`

const waitlistItemColumns = `id, waitlist_order_id, passenger_id, train_id, departure_stop_id, arrival_stop_id,
	travel_date, carriage_type_id, ticket_type, price_cents, status, ticket_id, created_at, updated_at`

func scanWaitlistOrder(s rowScanner) (model.WaitlistOrder, error) {
	var (
		w    model.WaitlistOrder
		paid sql.NullTime
	)
	err := s.Scan(&w.ID, &w.Number, &w.UserID, &w.Status, &w.TotalAmountCents, &w.ItemCount, &paid, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	if paid.Valid {
		t := paid.Time
		w.PaymentTime = &t
	}
	return w, checkStatus("waitlist_orders", w.ID, w.Status)
}

func scanWaitlistItem(s rowScanner) (model.WaitlistItem, error) {
	var (
		it       model.WaitlistItem
		ticketID sql.NullInt64
	)
	err := s.Scan(&it.ID, &it.WaitlistOrderID, &it.PassengerID, &it.TrainID, &it.DepartureStopID, &it.ArrivalStopID,
		&it.TravelDate, &it.CarriageTypeID, &it.TicketType, &it.PriceCents, &it.Status, &ticketID, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	if ticketID.Valid {
		id := uint64(ticketID.Int64)
		it.TicketID = &id
	}
	return it, checkStatus("waitlist_items", it.ID, it.Status)
}

// Create inserts a waitlist order and its items in one transaction.
func (r *WaitlistRepo) Create(ctx context.Context, w *model.WaitlistOrder, items []model.WaitlistItem) error {
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
	res, err := tx.ExecContext(ctx, `INSERT INTO waitlist_orders (order_number, user_id, status, total_amount_cents, item_count)
		VALUES (?, ?, ?, ?, ?)`, w.Number, w.UserID, w.Status, w.TotalAmountCents, w.ItemCount)
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
	w.ID = uint64(id)
	for i := range items {
		it := &items[i]
		it.WaitlistOrderID = w.ID
		res, err := tx.ExecContext(ctx, `INSERT INTO waitlist_items (waitlist_order_id, passenger_id, train_id,
			departure_stop_id, arrival_stop_id, travel_date, carriage_type_id, ticket_type, price_cents, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.WaitlistOrderID, it.PassengerID, it.TrainID, it.DepartureStopID, it.ArrivalStopID,
			it.TravelDate.Format(model.DateLayout), it.CarriageTypeID, it.TicketType, it.PriceCents, it.Status)
		if err != nil {
			return err
		}
		iid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		it.ID = uint64(iid)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// FindByID returns a waitlist order or ErrNotFound.
func (r *WaitlistRepo) FindByID(ctx context.Context, id uint64) (*model.WaitlistOrder, error) {
	w, err := scanWaitlistOrder(r.db.QueryRowContext(ctx, `SELECT `+waitlistOrderColumns+` FROM waitlist_orders WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// ListByStatus returns up to limit waitlist orders in status, oldest
// first.  Ties on created_at are broken by id so the order is total.
func (r *WaitlistRepo) ListByStatus(ctx context.Context, status model.WaitlistStatus, limit int) ([]model.WaitlistOrder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+waitlistOrderColumns+` FROM waitlist_orders
		WHERE status = ? ORDER BY created_at, id LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WaitlistOrder
	for rows.Next() {
		w, err := scanWaitlistOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Items returns every item of a waitlist order.
func (r *WaitlistRepo) Items(ctx context.Context, waitlistOrderID uint64) ([]model.WaitlistItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+waitlistItemColumns+` FROM waitlist_items
		WHERE waitlist_order_id = ? ORDER BY id`, waitlistOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WaitlistItem
	for rows.Next() {
		it, err := scanWaitlistItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateOrder persists status, totals and payment time of a waitlist order.
func (r *WaitlistRepo) UpdateOrder(ctx context.Context, w *model.WaitlistOrder) error {
	return updateWaitlistOrder(ctx, r.db, w)
}

func updateWaitlistOrder(ctx context.Context, ex execer, w *model.WaitlistOrder) error {
	res, err := ex.ExecContext(ctx, `UPDATE waitlist_orders SET status = ?, total_amount_cents = ?, item_count = ?,
		payment_time = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`,
		w.Status, w.TotalAmountCents, w.ItemCount, w.PaymentTime, w.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateItem persists status and ticket link of one item.
func (r *WaitlistRepo) UpdateItem(ctx context.Context, it *model.WaitlistItem) error {
	return updateWaitlistItem(ctx, r.db, it)
}

func updateWaitlistItem(ctx context.Context, ex execer, it *model.WaitlistItem) error {
	res, err := ex.ExecContext(ctx, `UPDATE waitlist_items SET status = ?, ticket_id = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`,
		it.Status, it.TicketID, it.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveWithItems updates a waitlist order and the given items atomically.
func (r *WaitlistRepo) SaveWithItems(ctx context.Context, w *model.WaitlistOrder, items []model.WaitlistItem) error {
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
	if err := updateWaitlistOrder(ctx, tx, w); err != nil {
		return err
	}
	for i := range items {
		if err := updateWaitlistItem(ctx, tx, &items[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
