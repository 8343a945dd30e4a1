package service

import (
	"context"
	"fmt"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// reservation is stock taken from one bucket during a call.
type reservation struct {
	key model.StockKey
	qty int64
}

// ensureStock populates key from the durable inventory when the stock
// store has never seen it.  Buckets without inventory stay absent and
// every decrement on them fails with CodeMissing.
func (d *Deps) ensureStock(ctx context.Context, key model.StockKey) error {
	if _, ok, err := d.Stock.Get(ctx, key); err != nil || ok {
		return err
	}
	n, ok, err := d.Inventory.Available(ctx, key)
	if err != nil {
		return fmt.Errorf("load inventory %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	if _, err := d.Stock.SetIfAbsent(ctx, key, n); err != nil {
		return err
	}
	return nil
}

// take decrements key by qty.  It returns false without error when the
// script reported anything but success.
func (d *Deps) take(ctx context.Context, op string, key model.StockKey, qty int64) (bool, error) {
	if err := d.ensureStock(ctx, key); err != nil {
		return false, err
	}
	code, err := d.Stock.Decr(ctx, key, qty)
	if err != nil {
		return false, err
	}
	if !code.OK() {
		d.Metrics.stockCode(op, code)
		d.Log.WithField("stock_key", key.String()).WithField("code", int64(code)).Info("stock decrement refused")
		return false, nil
	}
	return true, nil
}

// giveBack returns qty seats to key.  Failures are logged; the caller has
// already committed to the outcome.
func (d *Deps) giveBack(ctx context.Context, op string, key model.StockKey, qty int64) bool {
	code, err := d.Stock.Incr(context.WithoutCancel(ctx), key, qty)
	if err != nil || !code.OK() {
		if err == nil {
			d.Metrics.stockCode(op, code)
			err = fmt.Errorf("stock incr: %s", code)
		}
		d.Log.WithError(err).WithField("stock_key", key.String()).WithField("op", op).Error("stock not returned")
		return false
	}
	return true
}

// rollback returns every reservation of a failed call.
func (d *Deps) rollback(ctx context.Context, op string, rs []reservation) {
	for i := len(rs) - 1; i >= 0; i-- {
		d.giveBack(ctx, op, rs[i].key, rs[i].qty)
	}
}

// unitPrice returns the inventory price of a bucket or the configured
// default when the bucket has no inventory row.
func (d *Deps) unitPrice(ctx context.Context, key model.StockKey) (int64, error) {
	cents, ok, err := d.Inventory.UnitPrice(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return d.Config.DefaultUnitPriceCents, nil
	}
	return cents, nil
}
