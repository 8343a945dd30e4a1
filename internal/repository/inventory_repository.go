package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// InventoryRepo reads the durable seat inventory.  A row of
// train_inventory holds the unit price and the seed seat count of one
// stock bucket; the live count is kept by the stock store.
type InventoryRepo struct {
	db *sql.DB
}

// NewInventoryRepo returns a new InventoryRepo bound to the given database.
func NewInventoryRepo(db *sql.DB) *InventoryRepo { return &InventoryRepo{db: db} }

const inventoryWhere = `train_id = ? AND departure_stop_id = ? AND arrival_stop_id = ? AND travel_date = ?`

func inventoryArgs(k model.StockKey) []any {
	return []any{k.TrainID, k.DepartureStopID, k.ArrivalStopID, k.TravelDate, k.CarriageTypeID}
}

// UnitPrice returns the inventory price of a bucket.  ok is false when
// the bucket has no inventory record.
func (r *InventoryRepo) UnitPrice(ctx context.Context, k model.StockKey) (cents int64, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT price_cents FROM train_inventory WHERE `+inventoryWhere+` AND carriage_type_id = ?`,
		inventoryArgs(k)...).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cents, true, nil
}

// Available returns the seed seat count of a bucket.
func (r *InventoryRepo) Available(ctx context.Context, k model.StockKey) (n int64, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT available_seats FROM train_inventory WHERE `+inventoryWhere+` AND carriage_type_id = ?`,
		inventoryArgs(k)...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// CarriageTypeName returns the display name of a carriage type.
func (r *InventoryRepo) CarriageTypeName(ctx context.Context, id uint64) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT name FROM carriage_types WHERE id = ?`, id).Scan(&name)
	if err != nil {
		return "", notFound(err)
	}
	return name, nil
}

// ListByItinerary returns every carriage type sold on an itinerary with
// its durable seat count.
func (r *InventoryRepo) ListByItinerary(ctx context.Context, it model.Itinerary) ([]model.CarriageAvailability, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT i.carriage_type_id, ct.name, i.price_cents, i.available_seats
		FROM train_inventory i JOIN carriage_types ct ON ct.id = i.carriage_type_id
		WHERE i.train_id = ? AND i.departure_stop_id = ? AND i.arrival_stop_id = ? AND i.travel_date = ?
		ORDER BY i.carriage_type_id`,
		it.TrainID, it.DepartureStopID, it.ArrivalStopID, it.Date())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CarriageAvailability
	for rows.Next() {
		var row model.CarriageAvailability
		if err := rows.Scan(&row.CarriageTypeID, &row.CarriageTypeName, &row.PriceCents, &row.AvailableSeats); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
