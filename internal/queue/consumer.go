package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
	"github.com/iliyamo/train-ticket-booking/internal/stock"
)

// OrderWriter persists materialized orders.
type OrderWriter interface {
	CreateWithTickets(ctx context.Context, o *model.Order, tickets []model.Ticket) error
}

// SeatAssigner hands out and takes back seats.
type SeatAssigner interface {
	Assign(ctx context.Context, t *model.Ticket) error
	Release(ctx context.Context, t *model.Ticket) error
}

// StockReturner gives back stock reserved by a booking that could not be
// materialized.
type StockReturner interface {
	Incr(ctx context.Context, key model.StockKey, qty int64) (stock.Code, error)
}

// OrderCacheWriter warms the order cache after materialization.
type OrderCacheWriter interface {
	PutOrder(ctx context.Context, o *model.Order) error
	PutTickets(ctx context.Context, orderID uint64, ts []model.Ticket) error
}

// OrderConsumer turns order.create events into PENDING_PAYMENT orders.
type OrderConsumer struct {
	URL      string
	Orders   OrderWriter
	Seats    SeatAssigner
	Stock    StockReturner
	Cache    OrderCacheWriter
	Log      *logrus.Logger
	Prefetch int
}

// Start connects to RabbitMQ and consumes order.create until ctx is done.
// Broker failures are retried with exponential backoff.
func (c *OrderConsumer) Start(ctx context.Context) error {
	log := c.logger()
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.WithError(err).WithField("retry_in", backoff.String()).Warn("order-consumer: failed to dial broker")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("order-consumer: consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *OrderConsumer) logger() *logrus.Logger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func (c *OrderConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	log := c.logger()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	prefetch := c.Prefetch
	if prefetch <= 0 {
		prefetch = 50
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		log.WithError(err).Warn("order-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(OrderCreateQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(OrderCreateQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				log.WithError(err).WithField("message_id", d.MessageId).Error("order-consumer: handle message failed")
				// Rejected without requeue; the reserved stock was already returned.
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle materializes one event.  A nil return acknowledges the message.
// When the order cannot be persisted every seat and stock unit the
// booking reserved is returned before the error is reported.
func (c *OrderConsumer) Handle(ctx context.Context, body []byte) error {
	var ev OrderCreateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	it, err := ev.Itinerary()
	if err != nil {
		return err
	}
	if ev.OrderNumber == "" || len(ev.Passengers) == 0 {
		return fmt.Errorf("event %s: order number and passengers are required", ev.EventID)
	}
	log := c.logger().WithField("order_number", ev.OrderNumber)

	o := &model.Order{
		Number:           ev.OrderNumber,
		UserID:           ev.UserID,
		Status:           model.OrderPendingPayment,
		TotalAmountCents: ev.TotalAmountCents,
		TicketCount:      len(ev.Passengers),
	}
	tickets := make([]model.Ticket, 0, len(ev.Passengers))
	for _, p := range ev.Passengers {
		tickets = append(tickets, model.Ticket{
			PassengerID:     p.PassengerID,
			TrainID:         it.TrainID,
			DepartureStopID: it.DepartureStopID,
			ArrivalStopID:   it.ArrivalStopID,
			TravelDate:      it.TravelDate,
			CarriageTypeID:  p.CarriageTypeID,
			PriceCents:      p.PriceCents,
			Status:          model.TicketPendingPayment,
			TicketType:      p.TicketType,
		})
	}

	for i := range tickets {
		if err := c.Seats.Assign(ctx, &tickets[i]); err != nil {
			c.releaseSeats(ctx, tickets[:i])
			c.returnStock(ctx, it, ev.Passengers)
			return fmt.Errorf("assign seat: %w", err)
		}
	}

	if err := c.Orders.CreateWithTickets(ctx, o, tickets); err != nil {
		c.releaseSeats(ctx, tickets)
		if errors.Is(err, repository.ErrDuplicate) {
			log.Info("order-consumer: order already materialized")
			return nil
		}
		c.returnStock(ctx, it, ev.Passengers)
		return fmt.Errorf("persist order %s: %w", ev.OrderNumber, err)
	}

	if c.Cache != nil {
		cctx := context.WithoutCancel(ctx)
		if err := c.Cache.PutOrder(cctx, o); err == nil {
			err = c.Cache.PutTickets(cctx, o.ID, tickets)
		}
		if err != nil {
			log.WithError(err).WithField("order_id", o.ID).Warn("order-consumer: cache write failed")
		}
	}
	log.WithFields(logrus.Fields{"order_id": o.ID, "tickets": len(tickets)}).Info("order materialized")
	return nil
}

func (c *OrderConsumer) releaseSeats(ctx context.Context, ts []model.Ticket) {
	for i := range ts {
		if !ts[i].HasSeat() {
			continue
		}
		if err := c.Seats.Release(context.WithoutCancel(ctx), &ts[i]); err != nil {
			c.logger().WithError(err).Warn("order-consumer: seat release failed")
		}
	}
}

func (c *OrderConsumer) returnStock(ctx context.Context, it model.Itinerary, ps []PassengerLine) {
	for _, p := range ps {
		key := it.StockKey(p.CarriageTypeID)
		code, err := c.Stock.Incr(context.WithoutCancel(ctx), key, 1)
		if err != nil || !code.OK() {
			c.logger().WithError(err).WithField("stock_key", key.String()).WithField("code", int64(code)).
				Error("order-consumer: stock not returned")
		}
	}
}
