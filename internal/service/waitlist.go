package service

import (
	"context"
	"errors"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
)

// WaitlistRequest queues demand for a sold-out itinerary.
type WaitlistRequest struct {
	UserID     uint64
	Itinerary  model.Itinerary
	Passengers []PassengerRequest
}

// Waitlist creates, pays and refunds waitlist orders.  Fulfillment is the
// Scheduler's job.
type Waitlist struct {
	d *Deps
}

// NewWaitlist returns a waitlist coordinator.
func NewWaitlist(d *Deps) *Waitlist { return &Waitlist{d: d.withDefaults()} }

// Create records a PENDING_PAYMENT waitlist order with one item per
// passenger.  No stock is taken.
func (w *Waitlist) Create(ctx context.Context, req WaitlistRequest) Result {
	return w.d.Metrics.result("waitlist_create", w.create(ctx, req))
}

func (w *Waitlist) create(ctx context.Context, req WaitlistRequest) Result {
	d := w.d
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
	wo := &model.WaitlistOrder{
		UserID:    req.UserID,
		Status:    model.WaitlistPendingPayment,
		CreatedAt: d.Clock.Now(),
	}
	items := make([]model.WaitlistItem, 0, len(req.Passengers))
	for _, p := range req.Passengers {
		unit, err := d.unitPrice(ctx, it.StockKey(p.CarriageTypeID))
		if err != nil {
			return failed("price lookup failed: " + err.Error())
		}
		price := model.TicketPrice(unit, p.TicketType)
		items = append(items, model.WaitlistItem{
			PassengerID:     p.PassengerID,
			TrainID:         it.TrainID,
			DepartureStopID: it.DepartureStopID,
			ArrivalStopID:   it.ArrivalStopID,
			TravelDate:      it.TravelDate,
			CarriageTypeID:  p.CarriageTypeID,
			TicketType:      p.TicketType,
			PriceCents:      price,
			Status:          model.WaitlistPendingPayment,
		})
		wo.TotalAmountCents += price
	}
	wo.ItemCount = len(items)

	number, err := d.Numbers.Next(ctx, model.WaitlistNumberPrefix)
	if err != nil {
		return failed("order number generation failed: " + err.Error())
	}
	wo.Number = number
	if err := d.Waitlists.Create(ctx, wo, items); err != nil {
		return failed("database exception: " + err.Error())
	}

	d.Log.WithField("waitlist_id", wo.ID).WithField("items", len(items)).Info("waitlist order created")
	r := success("waitlist order created")
	r.OrderID = wo.ID
	r.OrderNumber = wo.Number
	r.TotalAmountCents = wo.TotalAmountCents
	return r
}

func (w *Waitlist) owned(ctx context.Context, userID, id uint64) (*model.WaitlistOrder, *Result) {
	wo, err := w.d.Waitlists.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		r := failed("waitlist order not found")
		return nil, &r
	}
	if err != nil {
		r := failed("database exception: " + err.Error())
		return nil, &r
	}
	if userID != 0 && wo.UserID != userID {
		r := failed("waitlist order does not belong to the current user")
		return nil, &r
	}
	return wo, nil
}

// Pay moves a waitlist order and its items to PENDING_FULFILLMENT and
// wakes the scheduler.
func (w *Waitlist) Pay(ctx context.Context, userID, id uint64) Result {
	return w.d.Metrics.result("waitlist_pay", w.pay(ctx, userID, id))
}

func (w *Waitlist) pay(ctx context.Context, userID, id uint64) Result {
	d := w.d
	locks := newLockSet(d, "waitlist_pay")
	defer locks.releaseAll(ctx)
	if !locks.acquire(ctx, lock.WaitlistKey(id)) {
		return busy("waitlist order is being processed, please retry")
	}
	wo, fail := w.owned(ctx, userID, id)
	if fail != nil {
		return *fail
	}
	if wo.Status != model.WaitlistPendingPayment {
		return failed("waitlist order status is invalid")
	}
	items, err := d.Waitlists.Items(ctx, wo.ID)
	if err != nil {
		return failed("database exception: " + err.Error())
	}
	now := d.Clock.Now()
	if err := wo.TransitionTo(model.WaitlistPendingFulfillment); err != nil {
		return failed(err.Error())
	}
	wo.PaymentTime = &now
	for i := range items {
		if items[i].Status != model.WaitlistPendingPayment {
			continue
		}
		if err := items[i].TransitionTo(model.WaitlistPendingFulfillment); err != nil {
			return failed(err.Error())
		}
	}
	if err := d.Waitlists.SaveWithItems(ctx, wo, items); err != nil {
		return failed("payment failed: " + err.Error())
	}
	d.Log.WithField("waitlist_id", wo.ID).Info("waitlist order paid")
	d.notifyStockReleased()

	r := success("payment succeeded, waiting for seats")
	r.OrderID = wo.ID
	r.OrderNumber = wo.Number
	r.TotalAmountCents = wo.TotalAmountCents
	return r
}

// Refund cancels a waitlist order.  Items still waiting are refunded in
// full when the order was paid.  Tickets already materialized into the
// formal order are refunded like ordinary tickets and their stock and
// seats are returned.
func (w *Waitlist) Refund(ctx context.Context, userID, id uint64) Result {
	return w.d.Metrics.result("waitlist_refund", w.refund(ctx, userID, id))
}

func (w *Waitlist) refund(ctx context.Context, userID, id uint64) Result {
	d := w.d
	locks := newLockSet(d, "waitlist_refund")
	defer locks.releaseAll(ctx)
	if !locks.acquire(ctx, lock.WaitlistKey(id)) {
		return busy("waitlist order is being processed, please retry")
	}
	wo, fail := w.owned(ctx, userID, id)
	if fail != nil {
		return *fail
	}
	if wo.Status == model.WaitlistCancelled {
		return failed("waitlist order is already cancelled")
	}
	items, err := d.Waitlists.Items(ctx, wo.ID)
	if err != nil {
		return failed("database exception: " + err.Error())
	}

	var refundCents int64
	fulfilled := false
	for _, it := range items {
		switch it.Status {
		case model.WaitlistFulfilled:
			fulfilled = true
		case model.WaitlistPendingFulfillment:
			refundCents += it.PriceCents
		}
	}

	released := false
	if fulfilled {
		cents, ts, r := w.refundFormal(ctx, locks, wo)
		if r != nil {
			return *r
		}
		refundCents += cents
		// The formal refund is committed; its stock goes back even if the
		// waitlist update below fails.
		released = d.releaseTickets(ctx, "waitlist_refund", ts)
	}

	for i := range items {
		if items[i].Status == model.WaitlistCancelled {
			continue
		}
		if err := items[i].TransitionTo(model.WaitlistCancelled); err != nil {
			return failed(err.Error())
		}
	}
	if err := wo.TransitionTo(model.WaitlistCancelled); err != nil {
		return failed(err.Error())
	}
	if released {
		d.notifyStockReleased()
	}
	if err := d.Waitlists.SaveWithItems(ctx, wo, items); err != nil {
		return failed("database exception: " + err.Error())
	}

	d.Log.WithField("waitlist_id", wo.ID).WithField("refund_cents", refundCents).Info("waitlist order refunded")
	r := success("waitlist order cancelled")
	r.OrderID = wo.ID
	r.OrderNumber = wo.Number
	r.RefundAmountCents = refundCents
	return r
}

// refundFormal refunds the unused tickets of the formal order a waitlist
// was materialized into and returns the refund amount and the tickets
// whose stock must be returned.
func (w *Waitlist) refundFormal(ctx context.Context, locks *lockSet, wo *model.WaitlistOrder) (int64, []model.Ticket, *Result) {
	d := w.d
	o, err := d.Orders.FindByNumber(ctx, wo.FormalOrderNumber())
	if errors.Is(err, repository.ErrNotFound) {
		d.Log.WithField("waitlist_id", wo.ID).Warn("fulfilled waitlist has no formal order")
		return 0, nil, nil
	}
	if err != nil {
		r := failed("database exception: " + err.Error())
		return 0, nil, &r
	}
	if !locks.acquire(ctx, lock.RefundKey(o.ID)) {
		r := busy("order is being processed, please retry")
		return 0, nil, &r
	}
	all, err := d.Tickets.FindByOrderID(ctx, o.ID)
	if err != nil {
		r := failed("database exception: " + err.Error())
		return 0, nil, &r
	}
	var refunded []model.Ticket
	var cents int64
	for _, t := range all {
		if t.Status != model.TicketUnused {
			continue
		}
		if err := t.TransitionTo(model.TicketRefunded); err != nil {
			r := failed(err.Error())
			return 0, nil, &r
		}
		cents += model.RefundAmount(t.PriceCents)
		refunded = append(refunded, t)
	}
	all = mergeTickets(all, refunded)
	if o.Recount(all) == 0 && o.Status != model.OrderCancelled {
		if err := o.TransitionTo(model.OrderCancelled); err != nil {
			r := failed(err.Error())
			return 0, nil, &r
		}
	}
	if err := d.Orders.SaveWithTickets(ctx, o, refunded); err != nil {
		r := failed("database exception: " + err.Error())
		return 0, nil, &r
	}
	d.refreshCache(ctx, o, all)
	return cents, refunded, nil
}
