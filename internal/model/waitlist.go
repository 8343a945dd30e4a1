package model

import (
	"strings"
	"time"
)

// WaitlistNumberPrefix marks waitlist order numbers.  The formal order
// materialized for a waitlist carries the same number without the prefix.
const WaitlistNumberPrefix = "W"

// WaitlistOrder is queued, prepaid demand for a sold-out itinerary.
type WaitlistOrder struct {
	ID               uint64         `json:"id"`                     // waitlist_orders.id
	Number           string         `json:"order_number"`           // waitlist_orders.order_number
	UserID           uint64         `json:"user_id"`                // waitlist_orders.user_id
	Status           WaitlistStatus `json:"status"`                 // waitlist_orders.status
	TotalAmountCents int64          `json:"total_amount_cents"`     // waitlist_orders.total_amount_cents
	ItemCount        int            `json:"item_count"`             // waitlist_orders.item_count
	PaymentTime      *time.Time     `json:"payment_time,omitempty"` // waitlist_orders.payment_time (nullable)
	CreatedAt        time.Time      `json:"created_at"`             // waitlist_orders.created_at, FIFO key
	UpdatedAt        time.Time      `json:"updated_at"`             // waitlist_orders.updated_at
}

// FormalOrderNumber returns the number of the formal order that holds the
// tickets materialized for this waitlist.
func (w *WaitlistOrder) FormalOrderNumber() string {
	return strings.TrimPrefix(w.Number, WaitlistNumberPrefix)
}

// TransitionTo moves the waitlist order to a new status or fails with
// ErrInvalidTransition.
func (w *WaitlistOrder) TransitionTo(to WaitlistStatus) error {
	if !w.Status.CanTransitionTo(to) {
		return transitionError("waitlist order", w.Status, to)
	}
	w.Status = to
	return nil
}

// WaitlistItem is one passenger's queued demand.  TicketID is set once the
// item has been fulfilled.
type WaitlistItem struct {
	ID              uint64         `json:"id"`                  // waitlist_items.id
	WaitlistOrderID uint64         `json:"waitlist_order_id"`   // waitlist_items.waitlist_order_id
	PassengerID     uint64         `json:"passenger_id"`        // waitlist_items.passenger_id
	TrainID         uint64         `json:"train_id"`            // waitlist_items.train_id
	DepartureStopID uint64         `json:"departure_stop_id"`   // waitlist_items.departure_stop_id
	ArrivalStopID   uint64         `json:"arrival_stop_id"`     // waitlist_items.arrival_stop_id
	TravelDate      time.Time      `json:"travel_date"`         // waitlist_items.travel_date
	CarriageTypeID  uint64         `json:"carriage_type_id"`    // waitlist_items.carriage_type_id
	TicketType      TicketType     `json:"ticket_type"`         // waitlist_items.ticket_type
	PriceCents      int64          `json:"price_cents"`         // waitlist_items.price_cents
	Status          WaitlistStatus `json:"status"`              // waitlist_items.status
	TicketID        *uint64        `json:"ticket_id,omitempty"` // waitlist_items.ticket_id (nullable)
	CreatedAt       time.Time      `json:"created_at"`          // waitlist_items.created_at
	UpdatedAt       time.Time      `json:"updated_at"`          // waitlist_items.updated_at
}

// Itinerary returns the journey the item is waiting for.
func (i *WaitlistItem) Itinerary() Itinerary {
	return Itinerary{
		TrainID:         i.TrainID,
		DepartureStopID: i.DepartureStopID,
		ArrivalStopID:   i.ArrivalStopID,
		TravelDate:      i.TravelDate,
	}
}

// StockKey returns the inventory bucket the item draws from.
func (i *WaitlistItem) StockKey() StockKey { return i.Itinerary().StockKey(i.CarriageTypeID) }

// TransitionTo moves the item to a new status or fails with
// ErrInvalidTransition.
func (i *WaitlistItem) TransitionTo(to WaitlistStatus) error {
	if !i.Status.CanTransitionTo(to) {
		return transitionError("waitlist item", i.Status, to)
	}
	i.Status = to
	return nil
}
