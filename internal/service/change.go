package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// ChangeTicket moves one ticket to the new itinerary.  A zero
// CarriageTypeID keeps the ticket's current carriage type.
type ChangeTicket struct {
	TicketID       uint64 `json:"ticket_id"`
	CarriageTypeID uint64 `json:"carriage_type_id"`
}

// ChangeRequest moves tickets of a paid order to another itinerary
// between stations of the same cities.
type ChangeRequest struct {
	UserID    uint64
	OrderID   uint64
	Itinerary model.Itinerary
	Tickets   []ChangeTicket
}

// Change issues replacement tickets in a new order.  The originals stay
// UNUSED until the new order is paid, see Payment.
type Change struct {
	d *Deps
}

// NewChange returns a change coordinator.
func NewChange(d *Deps) *Change { return &Change{d: d.withDefaults()} }

// Change runs the change protocol.
func (c *Change) Change(ctx context.Context, req ChangeRequest) Result {
	return c.d.Metrics.result("change", c.change(ctx, req))
}

type changeLine struct {
	orig           model.Ticket
	carriageTypeID uint64
}

func (c *Change) change(ctx context.Context, req ChangeRequest) Result {
	d := c.d
	if err := req.Itinerary.Validate(); err != nil {
		return failed(err.Error())
	}
	if len(req.Tickets) == 0 {
		return failed("at least one ticket is required")
	}
	locks := newLockSet(d, "change")
	defer locks.releaseAll(ctx)
	if !locks.acquire(ctx, lock.ChangeKey(req.OrderID)) {
		return busy("order is being processed, please retry")
	}

	o, fail := d.ownedOrder(ctx, req.UserID, req.OrderID)
	if fail != nil {
		return *fail
	}
	if !o.Refundable() {
		return failed("order status does not allow changes")
	}

	ids := make([]uint64, 0, len(req.Tickets))
	for _, ct := range req.Tickets {
		ids = append(ids, ct.TicketID)
	}
	found, err := d.Tickets.FindByOrderIDAndIDs(ctx, o.ID, dedupIDs(ids))
	if err != nil {
		return failed("database exception: " + err.Error())
	}
	byID := make(map[uint64]model.Ticket, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	var lines []changeLine
	seen := map[uint64]bool{}
	for _, ct := range req.Tickets {
		t, ok := byID[ct.TicketID]
		if !ok {
			return failed(fmt.Sprintf("ticket %d not found in this order", ct.TicketID))
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if t.Status != model.TicketUnused {
			return failed(fmt.Sprintf("ticket %d cannot be changed in status %s", t.ID, t.Status.Text()))
		}
		ctID := ct.CarriageTypeID
		if ctID == 0 {
			ctID = t.CarriageTypeID
		}
		lines = append(lines, changeLine{orig: t, carriageTypeID: ctID})
	}

	it := req.Itinerary
	for _, l := range lines {
		if r := c.checkCities(ctx, l.orig, it); r != nil {
			return *r
		}
	}
	for _, l := range lines {
		conflicts, err := d.Conflicts.Check(ctx, l.orig.PassengerID, it, l.orig.ID)
		if err != nil {
			return failed("time conflict check failed: " + err.Error())
		}
		if len(conflicts) > 0 {
			return failed(d.Conflicts.Message(conflicts))
		}
	}

	// Group by carriage type in first-seen order.
	var types []uint64
	counts := map[uint64]int64{}
	for _, l := range lines {
		if counts[l.carriageTypeID] == 0 {
			types = append(types, l.carriageTypeID)
		}
		counts[l.carriageTypeID]++
	}
	var reserved []reservation
	for _, ctID := range types {
		key := it.StockKey(ctID)
		ok, err := d.take(ctx, "change", key, counts[ctID])
		if err != nil {
			d.rollback(ctx, "change", reserved)
			return failed("stock error: " + err.Error())
		}
		if !ok {
			d.rollback(ctx, "change", reserved)
			return insufficient(fmt.Sprintf("insufficient stock for carriage type %s", c.carriageName(ctx, ctID)))
		}
		reserved = append(reserved, reservation{key: key, qty: counts[ctID]})
	}

	number, err := d.Numbers.Next(ctx, "")
	if err != nil {
		d.rollback(ctx, "change", reserved)
		return failed("order number generation failed: " + err.Error())
	}
	newOrder := &model.Order{
		Number: number,
		UserID: o.UserID,
		Status: model.OrderPendingPayment,
	}
	tickets := make([]model.Ticket, 0, len(lines))
	for _, l := range lines {
		unit, err := d.unitPrice(ctx, it.StockKey(l.carriageTypeID))
		if err != nil {
			d.rollback(ctx, "change", reserved)
			return failed("price lookup failed: " + err.Error())
		}
		tickets = append(tickets, model.Ticket{
			PassengerID:     l.orig.PassengerID,
			TrainID:         it.TrainID,
			DepartureStopID: it.DepartureStopID,
			ArrivalStopID:   it.ArrivalStopID,
			TravelDate:      it.TravelDate,
			CarriageTypeID:  l.carriageTypeID,
			PriceCents:      model.TicketPrice(unit, l.orig.TicketType),
			Status:          model.TicketPendingPayment,
			TicketType:      l.orig.TicketType,
		})
	}
	for i := range tickets {
		if err := d.Seats.Assign(ctx, &tickets[i]); err != nil {
			c.abandon(ctx, tickets[:i], reserved)
			return failed("seat assignment failed: " + err.Error())
		}
	}
	for _, t := range tickets {
		newOrder.TicketCount++
		newOrder.TotalAmountCents += t.PriceCents
	}
	if err := d.Orders.CreateWithTickets(ctx, newOrder, tickets); err != nil {
		c.abandon(ctx, tickets, reserved)
		return failed("database exception: " + err.Error())
	}

	for i, l := range lines {
		cm := model.ChangeMapping{
			NewTicketID:      tickets[i].ID,
			OriginalTicketID: l.orig.ID,
			PassengerID:      l.orig.PassengerID,
		}
		if err := d.Mappings.Put(ctx, cm); err != nil {
			d.Log.WithError(err).WithField("order_id", newOrder.ID).Error("change mapping not stored, cancelling replacement order")
			if err := d.cancelUnpaid(ctx, "change", newOrder); err != nil {
				d.Log.WithError(err).WithField("order_id", newOrder.ID).Error("replacement order not cancelled")
			}
			return failed("change could not be recorded: " + err.Error())
		}
	}
	d.refreshCache(ctx, newOrder, tickets)

	d.Log.WithField("order_id", o.ID).WithField("new_order_id", newOrder.ID).
		WithField("tickets", len(tickets)).Info("change order created")
	r := success("change order created, pay it to complete the change")
	r.OrderID = newOrder.ID
	r.OrderNumber = newOrder.Number
	r.TotalAmountCents = newOrder.TotalAmountCents
	return r
}

// checkCities requires the new stops to be in the cities of the ticket's
// current stops.
func (c *Change) checkCities(ctx context.Context, t model.Ticket, it model.Itinerary) *Result {
	pairs := [][2]uint64{
		{t.DepartureStopID, it.DepartureStopID},
		{t.ArrivalStopID, it.ArrivalStopID},
	}
	for _, p := range pairs {
		from, err := c.d.Timetable.StationCity(ctx, p[0])
		if err != nil {
			c.d.Log.WithError(err).WithField("station_id", p[0]).Warn("station lookup failed")
			r := failed("station information could not be verified")
			return &r
		}
		to, err := c.d.Timetable.StationCity(ctx, p[1])
		if err != nil {
			c.d.Log.WithError(err).WithField("station_id", p[1]).Warn("station lookup failed")
			r := failed("station information could not be verified")
			return &r
		}
		if !model.SameCity(from, to) {
			r := failed(fmt.Sprintf("changes must stay within the same city: %s to %s is not allowed", from, to))
			return &r
		}
	}
	return nil
}

func (c *Change) carriageName(ctx context.Context, id uint64) string {
	name, err := c.d.Inventory.CarriageTypeName(ctx, id)
	if err != nil || name == "" {
		return strconv.FormatUint(id, 10)
	}
	return name
}

// abandon undoes the seat assignments and stock reservations of a change
// that could not be persisted.
func (c *Change) abandon(ctx context.Context, assigned []model.Ticket, reserved []reservation) {
	for i := range assigned {
		if !assigned[i].HasSeat() {
			continue
		}
		if err := c.d.Seats.Release(context.WithoutCancel(ctx), &assigned[i]); err != nil {
			c.d.Log.WithError(err).Warn("seat release failed")
		}
	}
	c.d.rollback(ctx, "change", reserved)
}
