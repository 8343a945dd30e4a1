package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// Payment finalizes pending orders and settles the change pairings their
// tickets complete.
type Payment struct {
	d *Deps
}

// NewPayment returns a payment coordinator.
func NewPayment(d *Deps) *Payment { return &Payment{d: d.withDefaults()} }

// Pay marks a PENDING_PAYMENT order PAID and its tickets UNUSED.
func (p *Payment) Pay(ctx context.Context, userID, orderID uint64) Result {
	return p.d.Metrics.result("pay", p.pay(ctx, userID, orderID))
}

func (p *Payment) pay(ctx context.Context, userID, orderID uint64) Result {
	d := p.d
	locks := newLockSet(d, "pay")
	defer locks.releaseAll(ctx)
	if !locks.acquire(ctx, lock.PayKey(orderID)) {
		return busy("order is being processed, please retry")
	}

	o, fail := d.ownedOrder(ctx, userID, orderID)
	if fail != nil {
		return *fail
	}
	if o.Status != model.OrderPendingPayment {
		return failed("order status is invalid")
	}
	tickets, err := d.loadTickets(ctx, o.ID)
	if err != nil {
		return failed("database exception: " + err.Error())
	}

	now := d.Clock.Now()
	if err := o.TransitionTo(model.OrderPaid); err != nil {
		return failed(err.Error())
	}
	o.PaymentTime = &now
	var paid []model.Ticket
	for _, t := range tickets {
		if t.Status != model.TicketPendingPayment {
			continue
		}
		if err := t.TransitionTo(model.TicketUnused); err != nil {
			return failed(err.Error())
		}
		paid = append(paid, t)
	}
	if err := d.Orders.SaveWithTickets(ctx, o, paid); err != nil {
		if err := d.Cache.InvalidateOrder(context.WithoutCancel(ctx), o.ID); err != nil {
			d.Log.WithError(err).WithField("order_id", o.ID).Warn("order cache invalidation failed")
		}
		return failed("payment failed: " + err.Error())
	}
	d.refreshCache(ctx, o, mergeTickets(tickets, paid))

	released := false
	for i := range paid {
		if p.settleChange(ctx, &paid[i]) {
			released = true
		}
	}
	if released {
		d.notifyStockReleased()
	}

	d.Log.WithField("order_id", o.ID).WithField("order_number", o.Number).Info("order paid")
	r := success("payment succeeded")
	r.OrderID = o.ID
	r.OrderNumber = o.Number
	r.TotalAmountCents = o.TotalAmountCents
	return r
}

// settleChange retires the original ticket of a change once its
// replacement t has been paid.  Failures are logged and never affect the
// payment.  It reports whether stock was returned.
func (p *Payment) settleChange(ctx context.Context, t *model.Ticket) (released bool) {
	d := p.d
	log := d.Log.WithField("ticket_id", t.ID)
	outcome := "skipped"
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("change settlement panicked")
			outcome = "failed"
		}
		if outcome != "skipped" {
			d.Metrics.Settlements.WithLabelValues(outcome).Inc()
		}
	}()

	cm, ok, err := d.Mappings.Get(ctx, t.ID)
	if err != nil {
		log.WithError(err).Warn("change mapping unreadable")
		outcome = "failed"
		return false
	}
	if !ok {
		return false
	}
	log = log.WithFields(logrus.Fields{"original_ticket_id": cm.OriginalTicketID, "passenger_id": cm.PassengerID})
	if cm.PassengerID != t.PassengerID {
		log.Warn("change mapping passenger mismatch")
		outcome = "failed"
		return false
	}

	// Only the order id is taken from this read; the ticket is loaded
	// again once the original order's refund lock is held.
	seen, err := d.Tickets.FindByID(ctx, cm.OriginalTicketID)
	if err != nil {
		log.WithError(err).Warn("original ticket not loaded")
		outcome = "failed"
		return false
	}
	locks := newLockSet(d, "settle")
	defer locks.releaseAll(ctx)
	if !locks.acquire(ctx, lock.RefundKey(seen.OrderID)) {
		log.Warn("original order busy, change not settled")
		outcome = "failed"
		return false
	}

	orig, err := d.Tickets.FindByID(ctx, cm.OriginalTicketID)
	if err != nil {
		log.WithError(err).Warn("original ticket not loaded")
		outcome = "failed"
		return false
	}
	if orig.Status != model.TicketUnused {
		log.WithField("status", orig.Status).Warn("original ticket no longer unused, dropping pairing")
		p.deleteMapping(ctx, t.ID)
		outcome = "failed"
		return false
	}
	origOrder, err := d.Orders.FindByID(ctx, orig.OrderID)
	if err != nil {
		log.WithError(err).Warn("original order not loaded")
		outcome = "failed"
		return false
	}
	all, err := d.Tickets.FindByOrderID(ctx, origOrder.ID)
	if err != nil {
		log.WithError(err).Warn("original order tickets not loaded")
		outcome = "failed"
		return false
	}

	if err := orig.TransitionTo(model.TicketChanged); err != nil {
		log.WithError(err).Warn("original ticket not retired")
		outcome = "failed"
		return false
	}
	all = mergeTickets(all, []model.Ticket{*orig})
	if origOrder.Recount(all) == 0 {
		if err := origOrder.TransitionTo(model.OrderCancelled); err != nil {
			log.WithError(err).Warn("original order not cancelled")
			outcome = "failed"
			return false
		}
	}
	if err := d.Orders.SaveWithTickets(ctx, origOrder, []model.Ticket{*orig}); err != nil {
		log.WithError(err).Error("original ticket not retired")
		if err := d.Cache.InvalidateOrder(context.WithoutCancel(ctx), origOrder.ID); err != nil {
			log.WithError(err).Warn("order cache invalidation failed")
		}
		outcome = "failed"
		return false
	}
	d.refreshCache(ctx, origOrder, all)
	p.deleteMapping(ctx, t.ID)

	// The retirement is durable; stock and seat follow it.
	released = d.releaseTickets(ctx, "settle", []model.Ticket{*orig})
	log.WithField("original_order_id", origOrder.ID).WithField("remaining", origOrder.TicketCount).Info("change settled")
	outcome = "settled"
	return released
}

func (p *Payment) deleteMapping(ctx context.Context, newTicketID uint64) {
	if err := p.d.Mappings.Delete(context.WithoutCancel(ctx), newTicketID); err != nil {
		p.d.Log.WithError(err).WithField("ticket_id", newTicketID).Warn("change mapping not deleted")
	}
}
