package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage layout of travel dates.
const DateLayout = "2006-01-02"

// Itinerary identifies one journey on one train between two of its stops
// on a given travel date.
type Itinerary struct {
	TrainID         uint64    `json:"train_id"`
	DepartureStopID uint64    `json:"departure_stop_id"`
	ArrivalStopID   uint64    `json:"arrival_stop_id"`
	TravelDate      time.Time `json:"travel_date"`
}

// ErrInvalidItinerary reports a malformed itinerary in a request.
var ErrInvalidItinerary = errors.New("invalid itinerary")

// Validate checks the fields a coordinator relies on.
func (i Itinerary) Validate() error {
	switch {
	case i.TrainID == 0:
		return fmt.Errorf("%w: train is required", ErrInvalidItinerary)
	case i.DepartureStopID == 0 || i.ArrivalStopID == 0:
		return fmt.Errorf("%w: departure and arrival stops are required", ErrInvalidItinerary)
	case i.DepartureStopID == i.ArrivalStopID:
		return fmt.Errorf("%w: departure and arrival stops must differ", ErrInvalidItinerary)
	case i.TravelDate.IsZero():
		return fmt.Errorf("%w: travel date is required", ErrInvalidItinerary)
	}
	return nil
}

// Date returns the travel date in DateLayout.
func (i Itinerary) Date() string { return i.TravelDate.Format(DateLayout) }

// StockKey returns the inventory bucket of this itinerary for a carriage type.
func (i Itinerary) StockKey(carriageTypeID uint64) StockKey {
	return StockKey{
		TrainID:         i.TrainID,
		DepartureStopID: i.DepartureStopID,
		ArrivalStopID:   i.ArrivalStopID,
		TravelDate:      i.Date(),
		CarriageTypeID:  carriageTypeID,
	}
}

// ParseDate parses a travel date and truncates it to midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: travel date %q", ErrInvalidItinerary, s)
	}
	return t, nil
}

// StockKey is the identity of one sellable inventory bucket.
type StockKey struct {
	TrainID         uint64
	DepartureStopID uint64
	ArrivalStopID   uint64
	TravelDate      string
	CarriageTypeID  uint64
}

// String renders the key as stored in Redis.
func (k StockKey) String() string {
	return fmt.Sprintf("stock:%d:%d:%d:%s:%d", k.TrainID, k.DepartureStopID, k.ArrivalStopID, k.TravelDate, k.CarriageTypeID)
}

// SameCity reports whether two station cities denote the same city.  Empty
// names never match so that a failed lookup cannot pass validation.
func SameCity(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// CarriageAvailability is one carriage type offered on an itinerary.
type CarriageAvailability struct {
	CarriageTypeID   uint64 `json:"carriage_type_id"`
	CarriageTypeName string `json:"carriage_type"`
	PriceCents       int64  `json:"price_cents"`
	AvailableSeats   int64  `json:"available_seats"`
}
