package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
)

// Scheduler promotes paid waitlist items to tickets as stock frees up.  It
// sweeps on a timer and whenever StockReleased is called.
type Scheduler struct {
	d       *Deps
	trigger chan struct{}
}

// NewScheduler returns a scheduler.  Install it as Deps.Notifier before
// building the other coordinators so they can wake it.
func NewScheduler(d *Deps) *Scheduler {
	return &Scheduler{d: d.withDefaults(), trigger: make(chan struct{}, 1)}
}

// StockReleased requests a sweep without blocking.  Requests arriving
// while one is pending are merged.
func (s *Scheduler) StockReleased() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps every WaitlistInterval and on every trigger until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.d.Config.WaitlistInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	s.d.Log.WithField("interval", interval.String()).Info("waitlist scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.d.Log.Info("waitlist scheduler stopped")
			return
		case <-t.C:
		case <-s.trigger:
		}
		if n := s.Sweep(ctx); n > 0 {
			s.d.Log.WithField("fulfilled", n).Info("waitlist sweep finished")
		}
	}
}

// Sweep runs one fulfillment pass over PENDING_FULFILLMENT waitlist
// orders, oldest first, and returns the number of items fulfilled.  Only
// one instance sweeps at a time.
func (s *Scheduler) Sweep(ctx context.Context) int {
	d := s.d
	locks := newLockSet(d, "sweep")
	defer locks.releaseAll(ctx)
	if !locks.tryAcquire(ctx, lock.SweepKey) {
		return 0
	}
	batch := d.Config.WaitlistBatch
	if batch <= 0 {
		batch = 100
	}
	orders, err := d.Waitlists.ListByStatus(ctx, model.WaitlistPendingFulfillment, batch)
	if err != nil {
		d.Log.WithError(err).Warn("waitlist scan failed")
		return 0
	}
	fulfilled := 0
	for i := range orders {
		if ctx.Err() != nil {
			break
		}
		fulfilled += s.sweepOrder(ctx, &orders[i])
	}
	return fulfilled
}

func (s *Scheduler) sweepOrder(ctx context.Context, wo *model.WaitlistOrder) int {
	d := s.d
	log := d.Log.WithField("waitlist_id", wo.ID)
	locks := newLockSet(d, "sweep")
	defer locks.releaseAll(ctx)
	// A waitlist being paid or refunded is picked up by the next pass.
	if !locks.tryAcquire(ctx, lock.WaitlistKey(wo.ID)) {
		return 0
	}
	items, err := d.Waitlists.Items(ctx, wo.ID)
	if err != nil {
		log.WithError(err).Warn("waitlist items not loaded")
		return 0
	}

	closed, err := s.formalClosed(ctx, wo)
	if err != nil {
		log.WithError(err).Warn("formal order not loaded")
		return 0
	}

	n := 0
	for i := range items {
		it := &items[i]
		if it.Status != model.WaitlistPendingFulfillment {
			continue
		}
		if !closed {
			ok, err := s.fulfill(ctx, locks, wo, it)
			if ok {
				n++
				d.Metrics.Fulfilled.Inc()
			}
			if err == nil {
				continue
			}
			if !errors.Is(err, errFormalCancelled) {
				log.WithError(err).WithField("item_id", it.ID).Warn("waitlist item not fulfilled")
				continue
			}
			closed = true
		}
		if err := s.dropItem(ctx, wo, it); err != nil {
			log.WithError(err).WithField("item_id", it.ID).Warn("waitlist item not cancelled")
		}
	}

	fulfilled := false
	for _, it := range items {
		switch it.Status {
		case model.WaitlistPendingFulfillment:
			return n
		case model.WaitlistFulfilled:
			fulfilled = true
		}
	}
	final := model.WaitlistFulfilled
	if !fulfilled {
		final = model.WaitlistCancelled
	}
	if err := wo.TransitionTo(final); err != nil {
		log.WithError(err).Warn("waitlist order not closed")
		return n
	}
	if err := d.Waitlists.UpdateOrder(ctx, wo); err != nil {
		log.WithError(err).Warn("waitlist order status not saved")
		return n
	}
	log.WithField("status", final).Info("waitlist order closed")
	return n
}

var errFormalCancelled = errors.New("formal order is cancelled")

// formalClosed reports whether the customer has already refunded the
// waitlist's formal order down to CANCELLED.  No new ticket may be added
// to it.
func (s *Scheduler) formalClosed(ctx context.Context, wo *model.WaitlistOrder) (bool, error) {
	o, err := s.d.Orders.FindByNumber(ctx, wo.FormalOrderNumber())
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.Status == model.OrderCancelled, nil
}

// dropItem cancels a pending item whose formal order is gone.  It never
// took stock, so the customer is owed its full price.
func (s *Scheduler) dropItem(ctx context.Context, wo *model.WaitlistOrder, it *model.WaitlistItem) error {
	if err := it.TransitionTo(model.WaitlistCancelled); err != nil {
		return err
	}
	if err := s.d.Waitlists.UpdateItem(ctx, it); err != nil {
		it.Status = model.WaitlistPendingFulfillment
		return fmt.Errorf("save item: %w", err)
	}
	s.d.Log.WithFields(logrus.Fields{"waitlist_id": wo.ID, "item_id": it.ID, "refund_cents": it.PriceCents}).
		Info("waitlist item cancelled, formal order closed")
	return nil
}

// fulfill tries to turn one item into a ticket.  It returns false without
// error when there is no stock for it yet.
func (s *Scheduler) fulfill(ctx context.Context, locks *lockSet, wo *model.WaitlistOrder, it *model.WaitlistItem) (bool, error) {
	d := s.d
	key := it.StockKey()
	if err := d.ensureStock(ctx, key); err != nil {
		return false, err
	}
	avail, ok, err := d.Stock.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || avail < 1 {
		return false, nil
	}
	code, err := d.Stock.Decr(ctx, key, 1)
	if err != nil {
		return false, err
	}
	if !code.OK() {
		// Lost the race for the last seat.
		d.Metrics.stockCode("sweep", code)
		return false, nil
	}

	o, t, err := s.materialize(ctx, locks, wo, it)
	if err != nil {
		d.giveBack(ctx, "sweep", key, 1)
		return false, err
	}

	ticketID := t.ID
	it.TicketID = &ticketID
	if err := it.TransitionTo(model.WaitlistFulfilled); err != nil {
		s.undo(ctx, o, t)
		return false, err
	}
	if err := d.Waitlists.UpdateItem(ctx, it); err != nil {
		it.Status = model.WaitlistPendingFulfillment
		it.TicketID = nil
		s.undo(ctx, o, t)
		return false, fmt.Errorf("save item: %w", err)
	}
	d.Log.WithFields(logrus.Fields{"waitlist_id": wo.ID, "item_id": it.ID, "ticket_id": t.ID}).Info("waitlist item fulfilled")
	return true, nil
}

// materialize adds a paid ticket for it to the waitlist's formal order,
// creating the order on first use.
func (s *Scheduler) materialize(ctx context.Context, locks *lockSet, wo *model.WaitlistOrder, it *model.WaitlistItem) (*model.Order, *model.Ticket, error) {
	d := s.d
	t := &model.Ticket{
		PassengerID:     it.PassengerID,
		TrainID:         it.TrainID,
		DepartureStopID: it.DepartureStopID,
		ArrivalStopID:   it.ArrivalStopID,
		TravelDate:      it.TravelDate,
		CarriageTypeID:  it.CarriageTypeID,
		PriceCents:      it.PriceCents,
		Status:          model.TicketUnused,
		TicketType:      it.TicketType,
	}
	if err := d.Seats.Assign(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("assign seat: %w", err)
	}
	o, err := s.addToFormal(ctx, locks, wo, t)
	if err != nil {
		if t.HasSeat() {
			if err := d.Seats.Release(context.WithoutCancel(ctx), t); err != nil {
				d.Log.WithError(err).Warn("seat release failed")
			}
		}
		return nil, nil, err
	}
	if err := d.Cache.InvalidateOrder(context.WithoutCancel(ctx), o.ID); err != nil {
		d.Log.WithError(err).WithField("order_id", o.ID).Warn("order cache invalidation failed")
	}
	return o, t, nil
}

func (s *Scheduler) addToFormal(ctx context.Context, locks *lockSet, wo *model.WaitlistOrder, t *model.Ticket) (*model.Order, error) {
	d := s.d
	number := wo.FormalOrderNumber()
	o, err := d.Orders.FindByNumber(ctx, number)
	if errors.Is(err, repository.ErrNotFound) {
		paidAt := d.Clock.Now()
		if wo.PaymentTime != nil {
			paidAt = *wo.PaymentTime
		}
		o = &model.Order{
			Number:           number,
			UserID:           wo.UserID,
			Status:           model.OrderPaid,
			TotalAmountCents: t.PriceCents,
			TicketCount:      1,
			PaymentTime:      &paidAt,
		}
		tickets := []model.Ticket{*t}
		err = d.Orders.CreateWithTickets(ctx, o, tickets)
		if err == nil {
			*t = tickets[0]
			return o, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
		o, err = d.Orders.FindByNumber(ctx, number)
	}
	if err != nil {
		return nil, err
	}
	if !locks.tryAcquire(ctx, lock.RefundKey(o.ID)) {
		return nil, fmt.Errorf("formal order %d is busy", o.ID)
	}
	if o.Status == model.OrderCancelled {
		return nil, fmt.Errorf("formal order %d: %w", o.ID, errFormalCancelled)
	}
	// Totals are recounted from the durable tickets so an earlier undo
	// cannot leave them skewed.
	valid, err := d.Tickets.FindValidByOrderID(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	t.OrderID = o.ID
	o.Recount(append(valid, *t))
	if err := d.Orders.AddTicket(ctx, o, t); err != nil {
		return nil, err
	}
	return o, nil
}

// undo retires a ticket whose waitlist item could not be marked
// fulfilled, so the next pass does not issue a second one.
func (s *Scheduler) undo(ctx context.Context, o *model.Order, t *model.Ticket) {
	d := s.d
	log := d.Log.WithField("ticket_id", t.ID).WithField("order_id", o.ID)
	if err := t.TransitionTo(model.TicketRefunded); err != nil {
		log.WithError(err).Error("materialized ticket not retired")
		return
	}
	// The formal order stays open even when empty; the item is retried.
	o.TicketCount--
	o.TotalAmountCents -= t.PriceCents
	if err := d.Orders.SaveWithTickets(ctx, o, []model.Ticket{*t}); err != nil {
		log.WithError(err).Error("materialized ticket not retired")
		return
	}
	if err := d.Cache.InvalidateOrder(context.WithoutCancel(ctx), o.ID); err != nil {
		log.WithError(err).Warn("order cache invalidation failed")
	}
	d.releaseTickets(ctx, "sweep", []model.Ticket{*t})
}
