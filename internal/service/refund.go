package service

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// RefundRequest selects tickets of one order to refund.
type RefundRequest struct {
	UserID    uint64
	OrderID   uint64
	TicketIDs []uint64
}

// Refund reverses stock, seats and amounts for tickets of a paid order.
type Refund struct {
	d *Deps
}

// NewRefund returns a refund coordinator.
func NewRefund(d *Deps) *Refund { return &Refund{d: d.withDefaults()} }

// Refund refunds the selected tickets at model.RefundAmount each.  The
// durable update commits first; stock and seats are returned after it,
// so a crash in between can only undersell.
func (f *Refund) Refund(ctx context.Context, req RefundRequest) Result {
	return f.d.Metrics.result("refund", f.refund(ctx, req))
}

func (f *Refund) refund(ctx context.Context, req RefundRequest) Result {
	d := f.d
	if len(req.TicketIDs) == 0 {
		return failed("at least one ticket is required")
	}
	locks := newLockSet(d, "refund")
	defer locks.releaseAll(ctx)
	if !locks.acquire(ctx, lock.RefundKey(req.OrderID)) {
		return busy("order is being processed, please retry")
	}

	o, fail := d.ownedOrder(ctx, req.UserID, req.OrderID)
	if fail != nil {
		return *fail
	}
	if !o.Refundable() {
		return failed("order status does not allow refunds")
	}

	selected, err := d.Tickets.FindByOrderIDAndIDs(ctx, o.ID, dedupIDs(req.TicketIDs))
	if err != nil {
		return failed("database exception: " + err.Error())
	}
	if len(selected) == 0 {
		return failed("no matching tickets in this order")
	}

	now := d.Clock.Now()
	var refundCents int64
	for i := range selected {
		t := &selected[i]
		if t.Status != model.TicketUnused {
			return failed(fmt.Sprintf("ticket %d cannot be refunded in status %s", t.ID, t.Status.Text()))
		}
		dep, err := d.departure(ctx, t)
		if err != nil {
			return failed("database exception: " + err.Error())
		}
		if dep.Sub(now) <= d.Config.RefundWindow {
			return failed(fmt.Sprintf("ticket %d departs within %s and cannot be refunded", t.ID, windowText(d.Config.RefundWindow)))
		}
		refundCents += model.RefundAmount(t.PriceCents)
	}
	for i := range selected {
		if err := selected[i].TransitionTo(model.TicketRefunded); err != nil {
			return failed(err.Error())
		}
	}

	all, err := d.Tickets.FindByOrderID(ctx, o.ID)
	if err != nil {
		return failed("database exception: " + err.Error())
	}
	all = mergeTickets(all, selected)
	remaining := o.Recount(all)
	if remaining == 0 {
		if err := o.TransitionTo(model.OrderCancelled); err != nil {
			return failed(err.Error())
		}
	}
	if err := d.Orders.SaveWithTickets(ctx, o, selected); err != nil {
		if err := d.Cache.InvalidateOrder(context.WithoutCancel(ctx), o.ID); err != nil {
			d.Log.WithError(err).WithField("order_id", o.ID).Warn("order cache invalidation failed")
		}
		return failed("database exception: " + err.Error())
	}
	d.refreshCache(ctx, o, all)

	if d.releaseTickets(ctx, "refund", selected) {
		d.notifyStockReleased()
	}

	d.Log.WithField("order_id", o.ID).WithField("tickets", len(selected)).
		WithField("refund_cents", refundCents).Info("tickets refunded")
	msg := "refund succeeded"
	if remaining == 0 {
		msg = "refund succeeded, order cancelled"
	}
	r := success(msg)
	r.OrderID = o.ID
	r.OrderNumber = o.Number
	r.TotalAmountCents = o.TotalAmountCents
	r.RefundAmountCents = refundCents
	return r
}

// departure returns the moment the ticket's train leaves its departure
// stop, reading the timetable in the configured zone.
func (d *Deps) departure(ctx context.Context, t *model.Ticket) (time.Time, error) {
	st, err := d.Timetable.StopTime(ctx, t.TrainID, t.DepartureStopID)
	if err != nil {
		return time.Time{}, fmt.Errorf("stop time of train %d at %d: %w", t.TrainID, t.DepartureStopID, err)
	}
	return st.DepartsAt(t.TravelDate, d.Config.TimetableZone), nil
}

func windowText(w time.Duration) string {
	if w%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int64(w/time.Hour))
	}
	return w.String()
}

func dedupIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]bool, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
