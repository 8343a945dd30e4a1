package service

import (
	"context"
	"time"

	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// Cancel cancels unpaid orders on request or when they expire.
type Cancel struct {
	d *Deps
}

// NewCancel returns a cancel coordinator.
func NewCancel(d *Deps) *Cancel { return &Cancel{d: d.withDefaults()} }

// CancelOrder cancels a PENDING_PAYMENT order of userID and returns its
// stock and seats.
func (c *Cancel) CancelOrder(ctx context.Context, userID, orderID uint64) Result {
	return c.d.Metrics.result("cancel", c.cancel(ctx, "cancel", userID, orderID))
}

func (c *Cancel) cancel(ctx context.Context, op string, userID, orderID uint64) Result {
	d := c.d
	locks := newLockSet(d, op)
	defer locks.releaseAll(ctx)
	// pay:<id> keeps a concurrent payment from seeing a half-cancelled order.
	if !locks.acquire(ctx, lock.CancelKey(orderID)) || !locks.acquire(ctx, lock.PayKey(orderID)) {
		return busy("order is being processed, please retry")
	}

	o, fail := d.ownedOrder(ctx, userID, orderID)
	if fail != nil {
		return *fail
	}
	if o.Status != model.OrderPendingPayment {
		return failed("only unpaid orders can be cancelled")
	}
	// The cached copy may lag; decide on the durable state.
	fresh, err := d.Orders.FindByID(ctx, o.ID)
	if err != nil {
		return failed("database exception: " + err.Error())
	}
	if fresh.Status != model.OrderPendingPayment {
		d.refreshCache(ctx, fresh, nil)
		return failed("only unpaid orders can be cancelled")
	}
	if err := d.cancelUnpaid(ctx, op, fresh); err != nil {
		return failed("database exception: " + err.Error())
	}
	d.Log.WithField("order_id", fresh.ID).WithField("op", op).Info("order cancelled")
	r := success("order cancelled")
	r.OrderID = fresh.ID
	r.OrderNumber = fresh.Number
	return r
}

// ExpireUnpaid cancels every PENDING_PAYMENT order created before
// now - timeout, at most limit per call.  It returns how many were
// cancelled.
func (c *Cancel) ExpireUnpaid(ctx context.Context, timeout time.Duration, limit int) int {
	d := c.d
	cutoff := d.Clock.Now().Add(-timeout)
	orders, err := d.Orders.ListUnpaidBefore(ctx, cutoff, limit)
	if err != nil {
		d.Log.WithError(err).Warn("unpaid order scan failed")
		return 0
	}
	n := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		r := c.cancel(ctx, "expire", 0, o.ID)
		if !r.OK() {
			d.Log.WithField("order_id", o.ID).WithField("reason", r.Message).Info("unpaid order not expired")
			continue
		}
		d.Metrics.Expired.Inc()
		n++
	}
	return n
}

// RunExpiry calls ExpireUnpaid every interval until ctx is done.  A
// non-positive timeout disables expiry.
func (c *Cancel) RunExpiry(ctx context.Context, timeout, interval time.Duration) {
	if timeout <= 0 || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	c.d.Log.WithField("timeout", timeout.String()).Info("unpaid order expiry started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.ExpireUnpaid(ctx, timeout, expiryBatch); n > 0 {
				c.d.Log.WithField("cancelled", n).Info("unpaid orders expired")
			}
		}
	}
}

const expiryBatch = 100
