package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/queue"
)

// PassengerRequest is one passenger of a booking or waitlist request.
type PassengerRequest struct {
	PassengerID    uint64           `json:"passenger_id"`
	TicketType     model.TicketType `json:"ticket_type"`
	CarriageTypeID uint64           `json:"carriage_type_id"`
}

// BookingRequest asks for tickets on one itinerary.
type BookingRequest struct {
	UserID     uint64
	Itinerary  model.Itinerary
	Passengers []PassengerRequest
}

// Booking reserves stock for a multi-passenger request and hands the
// order to the materialization channel.
type Booking struct {
	d *Deps
}

// NewBooking returns a booking coordinator.
func NewBooking(d *Deps) *Booking { return &Booking{d: d.withDefaults()} }

func validatePassengers(it model.Itinerary, ps []PassengerRequest) error {
	if err := it.Validate(); err != nil {
		return err
	}
	if len(ps) == 0 {
		return fmt.Errorf("at least one passenger is required")
	}
	seen := make(map[uint64]bool, len(ps))
	for _, p := range ps {
		if p.PassengerID == 0 {
			return fmt.Errorf("passenger id is required")
		}
		if p.CarriageTypeID == 0 {
			return fmt.Errorf("carriage type is required for passenger %d", p.PassengerID)
		}
		if seen[p.PassengerID] {
			return fmt.Errorf("passenger %d appears more than once", p.PassengerID)
		}
		seen[p.PassengerID] = true
	}
	return nil
}

// checkPassengers verifies every passenger is linked to the user and has
// no overlapping journey.  It returns a non-nil Result on failure.
func (d *Deps) checkPassengers(ctx context.Context, userID uint64, it model.Itinerary, ps []PassengerRequest) *Result {
	for _, p := range ps {
		ok, err := d.Passengers.IsLinked(ctx, userID, p.PassengerID)
		if err != nil {
			r := failed("passenger lookup failed: " + err.Error())
			return &r
		}
		if !ok {
			r := failed(fmt.Sprintf("passenger %d is not linked to this account", p.PassengerID))
			return &r
		}
	}
	for _, p := range ps {
		conflicts, err := d.Conflicts.Check(ctx, p.PassengerID, it, 0)
		if err != nil {
			r := failed("time conflict check failed: " + err.Error())
			return &r
		}
		if len(conflicts) > 0 {
			r := failed(d.Conflicts.Message(conflicts))
			return &r
		}
	}
	return nil
}

// Book runs the booking protocol.  Per passenger it takes the bucket's
// booking lock and one seat of stock; any failure returns what was taken
// before the locks are released.
func (b *Booking) Book(ctx context.Context, req BookingRequest) Result {
	return b.d.Metrics.result("book", b.book(ctx, req))
}

func (b *Booking) book(ctx context.Context, req BookingRequest) Result {
	d := b.d
	if err := validatePassengers(req.Itinerary, req.Passengers); err != nil {
		return failed(err.Error())
	}
	for i := range req.Passengers {
		req.Passengers[i].TicketType = model.ParseTicketType(string(req.Passengers[i].TicketType))
	}
	if r := d.checkPassengers(ctx, req.UserID, req.Itinerary, req.Passengers); r != nil {
		return *r
	}

	it := req.Itinerary
	order := make([]int, len(req.Passengers))
	for i := range order {
		order[i] = i
	}
	if d.Config.LockSorted {
		sort.SliceStable(order, func(x, y int) bool {
			return req.Passengers[order[x]].CarriageTypeID < req.Passengers[order[y]].CarriageTypeID
		})
	}

	locks := newLockSet(d, "book")
	defer locks.releaseAll(ctx)
	var reserved []reservation

	for _, i := range order {
		p := req.Passengers[i]
		key := it.StockKey(p.CarriageTypeID)
		if !locks.acquire(ctx, lock.BookingKey(it.TrainID, it.Date(), p.CarriageTypeID)) {
			d.rollback(ctx, "book", reserved)
			r := insufficient("system busy, please retry")
			r.Busy = true
			return r
		}
		ok, err := d.take(ctx, "book", key, 1)
		if err != nil {
			d.rollback(ctx, "book", reserved)
			return failed("stock error: " + err.Error())
		}
		if !ok {
			d.rollback(ctx, "book", reserved)
			return insufficient(fmt.Sprintf("insufficient stock for passenger %d", p.PassengerID))
		}
		reserved = append(reserved, reservation{key: key, qty: 1})
	}

	ev := queue.OrderCreateEvent{
		EventID:         uuid.NewString(),
		UserID:          req.UserID,
		TrainID:         it.TrainID,
		DepartureStopID: it.DepartureStopID,
		ArrivalStopID:   it.ArrivalStopID,
		TravelDate:      it.Date(),
		CreatedAt:       d.Clock.Now(),
	}
	for _, p := range req.Passengers {
		unit, err := d.unitPrice(ctx, it.StockKey(p.CarriageTypeID))
		if err != nil {
			d.rollback(ctx, "book", reserved)
			return failed("price lookup failed: " + err.Error())
		}
		price := model.TicketPrice(unit, p.TicketType)
		ev.Passengers = append(ev.Passengers, queue.PassengerLine{
			PassengerID:    p.PassengerID,
			TicketType:     p.TicketType,
			CarriageTypeID: p.CarriageTypeID,
			PriceCents:     price,
		})
		ev.TotalAmountCents += price
	}

	number, err := d.Numbers.Next(ctx, "")
	if err != nil {
		d.rollback(ctx, "book", reserved)
		return failed("order number generation failed: " + err.Error())
	}
	ev.OrderNumber = number

	if err := d.Publisher.PublishOrderCreate(ctx, ev); err != nil {
		d.rollback(ctx, "book", reserved)
		d.Log.WithError(err).WithField("order_number", number).Error("order event not published")
		return failed("order submission failed: " + err.Error())
	}

	d.Log.WithField("order_number", number).WithField("user_id", req.UserID).
		WithField("tickets", len(ev.Passengers)).Info("booking accepted")
	r := success("booking accepted, order is being created")
	r.OrderNumber = number
	r.TotalAmountCents = ev.TotalAmountCents
	return r
}
