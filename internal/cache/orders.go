// Package cache holds the short-lived Redis state shared by the booking
// coordinators: a write-through copy of orders and their tickets, the
// change pairings, and the order number sequence.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

// Orders caches Order and Ticket payloads as JSON.  It is best effort: the
// durable store stays authoritative and callers repopulate on miss.
type Orders struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewOrders returns an order cache whose entries live for ttl.
func NewOrders(rdb redis.Cmdable, ttl time.Duration) *Orders {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Orders{rdb: rdb, ttl: ttl}
}

func orderKey(id uint64) string   { return fmt.Sprintf("order:%d", id) }
func ticketsKey(id uint64) string { return fmt.Sprintf("tickets:%d", id) }

// Order returns the cached order or ErrMiss.
func (c *Orders) Order(ctx context.Context, id uint64) (*model.Order, error) {
	var o model.Order
	if err := c.get(ctx, orderKey(id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// PutOrder stores o.
func (c *Orders) PutOrder(ctx context.Context, o *model.Order) error {
	return c.put(ctx, orderKey(o.ID), o)
}

// InvalidateOrder drops the cached order and its tickets.
func (c *Orders) InvalidateOrder(ctx context.Context, id uint64) error {
	return c.rdb.Del(ctx, orderKey(id), ticketsKey(id)).Err()
}

// Tickets returns the cached tickets of an order or ErrMiss.
func (c *Orders) Tickets(ctx context.Context, orderID uint64) ([]model.Ticket, error) {
	var ts []model.Ticket
	if err := c.get(ctx, ticketsKey(orderID), &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// PutTickets stores the tickets of an order.
func (c *Orders) PutTickets(ctx context.Context, orderID uint64, ts []model.Ticket) error {
	return c.put(ctx, ticketsKey(orderID), ts)
}

func (c *Orders) get(ctx context.Context, key string, v any) error {
	bs, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(bs, v); err != nil {
		// A payload we cannot read is as good as absent.
		_ = c.rdb.Del(ctx, key).Err()
		return ErrMiss
	}
	return nil
}

func (c *Orders) put(ctx context.Context, key string, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, bs, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}
