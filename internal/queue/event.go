// Package queue defines the order-creation message exchanged over RabbitMQ
// and the consumer that turns it into durable orders.
package queue

import (
	"time"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// OrderCreateQueue is the durable queue carrying OrderCreateEvent.
const OrderCreateQueue = "order.create"

// OrderCreateEvent is published once a booking has reserved stock for
// every passenger.  It carries everything needed to write the order and
// its tickets without querying the booking request again.
type OrderCreateEvent struct {
	EventID          string          `json:"event_id"`
	OrderNumber      string          `json:"order_number"`
	UserID           uint64          `json:"user_id"`
	TrainID          uint64          `json:"train_id"`
	DepartureStopID  uint64          `json:"departure_stop_id"`
	ArrivalStopID    uint64          `json:"arrival_stop_id"`
	TravelDate       string          `json:"travel_date"`
	Passengers       []PassengerLine `json:"passengers"`
	TotalAmountCents int64           `json:"total_amount_cents"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PassengerLine is one passenger of an OrderCreateEvent with the price
// computed at booking time.
type PassengerLine struct {
	PassengerID    uint64           `json:"passenger_id"`
	TicketType     model.TicketType `json:"ticket_type"`
	CarriageTypeID uint64           `json:"carriage_type_id"`
	PriceCents     int64            `json:"price_cents"`
}

// Itinerary returns the journey of the event.
func (e OrderCreateEvent) Itinerary() (model.Itinerary, error) {
	d, err := model.ParseDate(e.TravelDate)
	if err != nil {
		return model.Itinerary{}, err
	}
	it := model.Itinerary{TrainID: e.TrainID, DepartureStopID: e.DepartureStopID, ArrivalStopID: e.ArrivalStopID, TravelDate: d}
	return it, it.Validate()
}
