package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// RedisSeatAllocator hands out carriage/seat numbers per (train, date,
// carriage type).  Released seats go to a free set and are reused before
// new numbers are drawn.
type RedisSeatAllocator struct {
	rdb redis.Cmdable
	per int64
}

// NewRedisSeatAllocator returns an allocator with perCarriage seats in
// each carriage.
func NewRedisSeatAllocator(rdb redis.Cmdable, perCarriage int) *RedisSeatAllocator {
	if perCarriage <= 0 {
		perCarriage = 100
	}
	return &RedisSeatAllocator{rdb: rdb, per: int64(perCarriage)}
}

func seatScope(t *model.Ticket) string {
	return fmt.Sprintf("%d:%s:%d", t.TrainID, t.TravelDate.Format(model.DateLayout), t.CarriageTypeID)
}

func freeSeatsKey(t *model.Ticket) string { return "seats:free:" + seatScope(t) }

func nextSeatKey(t *model.Ticket) string { return "seats:next:" + seatScope(t) }

// Assign gives t a seat.  A ticket that already has one keeps it.
func (a *RedisSeatAllocator) Assign(ctx context.Context, t *model.Ticket) error {
	if t.HasSeat() {
		return nil
	}
	free, err := a.rdb.SPop(ctx, freeSeatsKey(t)).Result()
	if err == nil {
		if carriage, seat, ok := strings.Cut(free, ":"); ok {
			t.SetSeat(carriage, seat)
			return nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return err
	}
	n, err := a.rdb.Incr(ctx, nextSeatKey(t)).Result()
	if err != nil {
		return err
	}
	t.SetSeat(fmt.Sprintf("%02d", (n-1)/a.per+1), fmt.Sprintf("%03d", (n-1)%a.per+1))
	return nil
}

// Release returns the seat of t to the free set.  Tickets without a seat
// are ignored.
func (a *RedisSeatAllocator) Release(ctx context.Context, t *model.Ticket) error {
	if !t.HasSeat() {
		return nil
	}
	return a.rdb.SAdd(ctx, freeSeatsKey(t), *t.CarriageNumber+":"+*t.SeatNumber).Err()
}
