package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ticket is one passenger's right to travel on an itinerary in a carriage
// type.  SeatNumber and CarriageNumber are nil until a seat is assigned.
type Ticket struct {
	ID              uint64       `json:"id"`                        // tickets.id
	OrderID         uint64       `json:"order_id"`                  // tickets.order_id
	PassengerID     uint64       `json:"passenger_id"`              // tickets.passenger_id
	TrainID         uint64       `json:"train_id"`                  // tickets.train_id
	DepartureStopID uint64       `json:"departure_stop_id"`         // tickets.departure_stop_id
	ArrivalStopID   uint64       `json:"arrival_stop_id"`           // tickets.arrival_stop_id
	TravelDate      time.Time    `json:"travel_date"`               // tickets.travel_date
	CarriageTypeID  uint64       `json:"carriage_type_id"`          // tickets.carriage_type_id
	SeatNumber      *string      `json:"seat_number,omitempty"`     // tickets.seat_number (nullable)
	CarriageNumber  *string      `json:"carriage_number,omitempty"` // tickets.carriage_number (nullable)
	PriceCents      int64        `json:"price_cents"`               // tickets.price_cents
	Status          TicketStatus `json:"status"`                    // tickets.status
	TicketType      TicketType   `json:"ticket_type"`               // tickets.ticket_type
	CreatedAt       time.Time    `json:"created_at"`                // tickets.created_at
	UpdatedAt       time.Time    `json:"updated_at"`                // tickets.updated_at
}

// Itinerary returns the journey this ticket covers.
func (t *Ticket) Itinerary() Itinerary {
	return Itinerary{
		TrainID:         t.TrainID,
		DepartureStopID: t.DepartureStopID,
		ArrivalStopID:   t.ArrivalStopID,
		TravelDate:      t.TravelDate,
	}
}

// StockKey returns the inventory bucket the ticket was sold from.
func (t *Ticket) StockKey() StockKey { return t.Itinerary().StockKey(t.CarriageTypeID) }

// HasSeat reports whether both seat and carriage are assigned.
func (t *Ticket) HasSeat() bool {
	return t.SeatNumber != nil && *t.SeatNumber != "" && t.CarriageNumber != nil && *t.CarriageNumber != ""
}

// SetSeat records a seat assignment.
func (t *Ticket) SetSeat(carriage, seat string) {
	t.CarriageNumber = &carriage
	t.SeatNumber = &seat
}

// TransitionTo moves the ticket to a new status or fails with
// ErrInvalidTransition.
func (t *Ticket) TransitionTo(to TicketStatus) error {
	if !t.Status.CanTransitionTo(to) {
		return transitionError("ticket", t.Status, to)
	}
	t.Status = to
	return nil
}

// ChangeMapping links a replacement ticket to the ticket it will retire
// once the replacement order is paid.
type ChangeMapping struct {
	NewTicketID      uint64
	OriginalTicketID uint64
	PassengerID      uint64
}

// ErrMalformedMapping is returned when a stored change mapping cannot be
// decoded.
var ErrMalformedMapping = errors.New("malformed change mapping")

// Value encodes the mapping payload as "originalTicketId:passengerId".
func (m ChangeMapping) Value() string {
	return strconv.FormatUint(m.OriginalTicketID, 10) + ":" + strconv.FormatUint(m.PassengerID, 10)
}

// ParseChangeMapping decodes a payload produced by ChangeMapping.Value.
func ParseChangeMapping(newTicketID uint64, raw string) (ChangeMapping, error) {
	orig, pass, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ChangeMapping{}, fmt.Errorf("%w: %q", ErrMalformedMapping, raw)
	}
	origID, err := strconv.ParseUint(orig, 10, 64)
	if err != nil || origID == 0 {
		return ChangeMapping{}, fmt.Errorf("%w: original ticket in %q", ErrMalformedMapping, raw)
	}
	passID, err := strconv.ParseUint(pass, 10, 64)
	if err != nil || passID == 0 {
		return ChangeMapping{}, fmt.Errorf("%w: passenger in %q", ErrMalformedMapping, raw)
	}
	return ChangeMapping{NewTicketID: newTicketID, OriginalTicketID: origID, PassengerID: passID}, nil
}
