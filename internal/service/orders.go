package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/train-ticket-booking/internal/cache"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
)

var errOrderNotFound = errors.New("order not found")

// loadOrder reads an order from the cache, falling back to the durable
// store and repopulating the cache on a miss.
func (d *Deps) loadOrder(ctx context.Context, id uint64) (*model.Order, error) {
	o, err := d.Cache.Order(ctx, id)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		d.Log.WithError(err).WithField("order_id", id).Warn("order cache read failed")
	}
	o, err = d.Orders.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := d.Cache.PutOrder(ctx, o); err != nil {
		d.Log.WithError(err).WithField("order_id", id).Warn("order cache write failed")
	}
	return o, nil
}

// loadTickets reads the tickets of an order the same way loadOrder does.
func (d *Deps) loadTickets(ctx context.Context, orderID uint64) ([]model.Ticket, error) {
	ts, err := d.Cache.Tickets(ctx, orderID)
	if err == nil {
		return ts, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		d.Log.WithError(err).WithField("order_id", orderID).Warn("ticket cache read failed")
	}
	ts, err = d.Tickets.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := d.Cache.PutTickets(ctx, orderID, ts); err != nil {
		d.Log.WithError(err).WithField("order_id", orderID).Warn("ticket cache write failed")
	}
	return ts, nil
}

// refreshCache writes an order and its tickets after a durable update.  If
// the write fails the stale entries are dropped instead.
func (d *Deps) refreshCache(ctx context.Context, o *model.Order, ts []model.Ticket) {
	ctx = context.WithoutCancel(ctx)
	err := d.Cache.PutOrder(ctx, o)
	if err == nil && ts != nil {
		err = d.Cache.PutTickets(ctx, o.ID, ts)
	}
	if err == nil {
		return
	}
	d.Log.WithError(err).WithField("order_id", o.ID).Warn("order cache write failed")
	if err := d.Cache.InvalidateOrder(ctx, o.ID); err != nil {
		d.Log.WithError(err).WithField("order_id", o.ID).Error("order cache invalidation failed")
	}
}

// ownedOrder loads an order and checks it belongs to userID.  A zero
// userID skips the ownership check for system callers.
func (d *Deps) ownedOrder(ctx context.Context, userID, orderID uint64) (*model.Order, *Result) {
	o, err := d.loadOrder(ctx, orderID)
	if errors.Is(err, errOrderNotFound) {
		r := failed("order not found")
		return nil, &r
	}
	if err != nil {
		r := failed("database exception: " + err.Error())
		return nil, &r
	}
	if userID != 0 && o.UserID != userID {
		r := failed("order does not belong to the current user")
		return nil, &r
	}
	return o, nil
}

// mergeTickets overlays updated onto all by id.
func mergeTickets(all, updated []model.Ticket) []model.Ticket {
	byID := make(map[uint64]model.Ticket, len(updated))
	for _, t := range updated {
		byID[t.ID] = t
	}
	out := make([]model.Ticket, len(all))
	for i, t := range all {
		if u, ok := byID[t.ID]; ok {
			t = u
		}
		out[i] = t
	}
	return out
}

// releaseTickets returns the stock and seats of tickets whose durable
// state no longer holds them.  It reports whether any stock came back.
func (d *Deps) releaseTickets(ctx context.Context, op string, ts []model.Ticket) bool {
	released := false
	for i := range ts {
		t := &ts[i]
		if d.giveBack(ctx, op, t.StockKey(), 1) {
			released = true
		}
		if t.HasSeat() {
			if err := d.Seats.Release(context.WithoutCancel(ctx), t); err != nil {
				d.Log.WithError(err).WithField("ticket_id", t.ID).Warn("seat release failed")
			}
		}
	}
	return released
}

// cancelUnpaid cancels a PENDING_PAYMENT order: its tickets become
// REFUNDED, their stock and seats are returned and any change pairing
// they carry is dropped.  The caller holds the order's locks.
func (d *Deps) cancelUnpaid(ctx context.Context, op string, o *model.Order) error {
	all, err := d.Tickets.FindByOrderID(ctx, o.ID)
	if err != nil {
		return err
	}
	var cancelled []model.Ticket
	for _, t := range all {
		if t.Status != model.TicketPendingPayment {
			continue
		}
		if err := t.TransitionTo(model.TicketRefunded); err != nil {
			return err
		}
		cancelled = append(cancelled, t)
	}
	all = mergeTickets(all, cancelled)
	o.Recount(all)
	if err := o.TransitionTo(model.OrderCancelled); err != nil {
		return err
	}
	if err := d.Orders.SaveWithTickets(ctx, o, cancelled); err != nil {
		return fmt.Errorf("save cancelled order %d: %w", o.ID, err)
	}
	d.refreshCache(ctx, o, all)

	released := d.releaseTickets(ctx, op, cancelled)
	for _, t := range cancelled {
		if err := d.Mappings.Delete(context.WithoutCancel(ctx), t.ID); err != nil {
			d.Log.WithError(err).WithField("ticket_id", t.ID).Warn("change mapping not deleted")
		}
	}
	if released {
		d.notifyStockReleased()
	}
	return nil
}
