package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// TimetableRepo reads station and stop reference data.  Stop offsets are
// stored in minutes after midnight of the travel date.
type TimetableRepo struct {
	db *sql.DB
}

// NewTimetableRepo returns a new TimetableRepo bound to the given database.
func NewTimetableRepo(db *sql.DB) *TimetableRepo { return &TimetableRepo{db: db} }

// StationCity returns the city a station belongs to.
func (r *TimetableRepo) StationCity(ctx context.Context, stationID uint64) (string, error) {
	var city string
	err := r.db.QueryRowContext(ctx, `SELECT city FROM stations WHERE id = ?`, stationID).Scan(&city)
	if err != nil {
		return "", notFound(err)
	}
	return city, nil
}

// StopTime returns when a train calls at a station.
func (r *TimetableRepo) StopTime(ctx context.Context, trainID, stationID uint64) (model.StopTime, error) {
	var (
		st               model.StopTime
		arrMin, depMin int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT train_id, station_id, stop_sequence, arrival_offset_min, departure_offset_min
		FROM train_stops WHERE train_id = ? AND station_id = ?`, trainID, stationID).
		Scan(&st.TrainID, &st.StationID, &st.Sequence, &arrMin, &depMin)
	if err != nil {
		return model.StopTime{}, notFound(err)
	}
	st.Arrival = time.Duration(arrMin) * time.Minute
	st.Departure = time.Duration(depMin) * time.Minute
	return st, nil
}
