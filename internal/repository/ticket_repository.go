package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// TicketRepo reads and updates rows of the tickets table.  Inserts happen
// together with their order, see OrderRepo.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a new TicketRepo bound to the given database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

const ticketColumns = `id, order_id, passenger_id, train_id, departure_stop_id, arrival_stop_id,
	travel_date, carriage_type_id, seat_number, carriage_number, price_cents, status, ticket_type,
	created_at, updated_at`

func scanTicket(s rowScanner) (model.Ticket, error) {
	var (
		t        model.Ticket
		seat     sql.NullString
		carriage sql.NullString
	)
	err := s.Scan(&t.ID, &t.OrderID, &t.PassengerID, &t.TrainID, &t.DepartureStopID, &t.ArrivalStopID,
		&t.TravelDate, &t.CarriageTypeID, &seat, &carriage, &t.PriceCents, &t.Status, &t.TicketType,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if seat.Valid {
		t.SeatNumber = &seat.String
	}
	if carriage.Valid {
		t.CarriageNumber = &carriage.String
	}
	return t, checkStatus("tickets", t.ID, t.Status)
}

func (r *TicketRepo) list(ctx context.Context, q string, args ...any) ([]model.Ticket, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindByID returns a ticket or ErrNotFound.
func (r *TicketRepo) FindByID(ctx context.Context, id uint64) (*model.Ticket, error) {
	t, err := scanTicket(r.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindByOrderID returns every ticket of an order, whatever its status.
func (r *TicketRepo) FindByOrderID(ctx context.Context, orderID uint64) ([]model.Ticket, error) {
	return r.list(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE order_id = ? ORDER BY id`, orderID)
}

// FindByOrderIDAndIDs returns the tickets among ids that belong to the
// order.  Ids of other orders are silently ignored.
func (r *TicketRepo) FindByOrderIDAndIDs(ctx context.Context, orderID uint64, ids []uint64) ([]model.Ticket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, orderID)
	for _, id := range ids {
		args = append(args, id)
	}
	q := fmt.Sprintf(`SELECT %s FROM tickets WHERE order_id = ? AND id IN (%s) ORDER BY id`, ticketColumns, placeholders(len(ids)))
	return r.list(ctx, q, args...)
}

// FindValidByOrderID returns the tickets of an order that are neither
// refunded nor changed away.
func (r *TicketRepo) FindValidByOrderID(ctx context.Context, orderID uint64) ([]model.Ticket, error) {
	return r.list(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE order_id = ? AND status NOT IN (?, ?) ORDER BY id`,
		orderID, model.TicketRefunded, model.TicketChanged)
}

// ValidByPassengerAndDate returns the passenger's tickets on a travel date
// that still entitle them to travel.
func (r *TicketRepo) ValidByPassengerAndDate(ctx context.Context, passengerID uint64, date time.Time) ([]model.Ticket, error) {
	return r.list(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE passenger_id = ? AND travel_date = ? AND status IN (?, ?) ORDER BY id`,
		passengerID, date.Format(model.DateLayout), model.TicketPendingPayment, model.TicketUnused)
}

// Update persists the mutable fields of a ticket.
func (r *TicketRepo) Update(ctx context.Context, t *model.Ticket) error {
	return updateTicket(ctx, r.db, t)
}

// execer is implemented by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTicket(ctx context.Context, ex execer, t *model.Ticket) error {
	const q = `UPDATE tickets SET status = ?, seat_number = ?, carriage_number = ?, price_cents = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`
	res, err := ex.ExecContext(ctx, q, t.Status, t.SeatNumber, t.CarriageNumber, t.PriceCents, t.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertTicket(ctx context.Context, ex execer, t *model.Ticket) error {
	const q = `INSERT INTO tickets (order_id, passenger_id, train_id, departure_stop_id, arrival_stop_id,
		travel_date, carriage_type_id, seat_number, carriage_number, price_cents, status, ticket_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := ex.ExecContext(ctx, q, t.OrderID, t.PassengerID, t.TrainID, t.DepartureStopID, t.ArrivalStopID,
		t.TravelDate.Format(model.DateLayout), t.CarriageTypeID, t.SeatNumber, t.CarriageNumber, t.PriceCents,
		t.Status, t.TicketType)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = uint64(id)
	return nil
}
