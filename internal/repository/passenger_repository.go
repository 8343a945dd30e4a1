package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// PassengerRepo answers questions about passengers and their links to
// user accounts.
type PassengerRepo struct {
	db *sql.DB
}

// NewPassengerRepo returns a new PassengerRepo bound to the given database.
func NewPassengerRepo(db *sql.DB) *PassengerRepo { return &PassengerRepo{db: db} }

// IsLinked reports whether passengerID may be booked for by userID.
func (r *PassengerRepo) IsLinked(ctx context.Context, userID, passengerID uint64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_passengers WHERE user_id = ? AND passenger_id = ?`,
		userID, passengerID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByUser returns the passengers linked to a user.
func (r *PassengerRepo) ListByUser(ctx context.Context, userID uint64) ([]model.Passenger, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT p.id, p.name, p.id_number, p.created_at
		FROM passengers p JOIN user_passengers up ON up.passenger_id = p.id
		WHERE up.user_id = ? ORDER BY p.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Passenger
	for rows.Next() {
		var p model.Passenger
		if err := rows.Scan(&p.ID, &p.Name, &p.IDNumber, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
