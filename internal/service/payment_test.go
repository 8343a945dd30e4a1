package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/train-ticket-booking/internal/cache"
	"github.com/iliyamo/train-ticket-booking/internal/config"
	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// changeFixture seeds a paid original order and an unpaid replacement
// order whose ticket is paired with the original's first ticket.
type changeFixture struct {
	origKey  model.StockKey
	orig     model.Order
	origTs   []model.Ticket
	newOrder model.Order
	newTs    []model.Ticket
}

func seedChange(t *testing.T, h *harness, origPassengers ...uint64) changeFixture {
	t.Helper()
	it := h.itinerary()
	k := h.offer(it, secondTier, 10000, 10)
	h.setStock(k, 10-int64(len(origPassengers)))
	orig, origTs := h.seedOrder(userID, model.OrderPaid, model.TicketUnused, it, secondTier, 10000, origPassengers...)

	alt := model.Itinerary{TrainID: trainID, DepartureStopID: 11, ArrivalStopID: 21, TravelDate: h.date}
	h.offer(alt, secondTier, 9000, 10)
	newOrder, newTs := h.seedOrder(userID, model.OrderPendingPayment, model.TicketPendingPayment, alt, secondTier, 9000, origPassengers[0])
	require.NoError(t, h.maps.Put(context.Background(), model.ChangeMapping{
		NewTicketID:      newTs[0].ID,
		OriginalTicketID: origTs[0].ID,
		PassengerID:      origPassengers[0],
	}))
	return changeFixture{origKey: k, orig: orig, origTs: origTs, newOrder: newOrder, newTs: newTs}
}

func TestPaySettlesChange(t *testing.T) {
	h := newHarness(t)
	f := seedChange(t, h, adultPax)
	ctx := context.Background()
	freed := "seats:free:1:2026-11-03:3"

	r := NewPayment(h.deps).Pay(ctx, userID, f.newOrder.ID)
	require.True(t, r.OK(), r.Message)

	paid := h.order(f.newOrder.ID)
	assert.Equal(t, model.OrderPaid, paid.Status)
	require.NotNil(t, paid.PaymentTime)
	assert.Equal(t, model.TicketUnused, h.ticket(f.newTs[0].ID).Status)

	origT := h.ticket(f.origTs[0].ID)
	assert.Equal(t, model.TicketChanged, origT.Status)
	assert.Equal(t, int64(10), h.stockOf(f.origKey))
	member, err := h.rdb.SIsMember(ctx, freed, *origT.CarriageNumber+":"+*origT.SeatNumber).Result()
	require.NoError(t, err)
	assert.True(t, member, "original seat must be released")

	origOrder := h.order(f.orig.ID)
	assert.Equal(t, model.OrderCancelled, origOrder.Status)
	assert.Equal(t, 0, origOrder.TicketCount)
	assert.Equal(t, int64(0), origOrder.TotalAmountCents)

	_, ok, err := h.maps.Get(ctx, f.newTs[0].ID)
	require.NoError(t, err)
	assert.False(t, ok, "a consumed pairing must not be readable again")
	assert.Equal(t, 1, h.note.count())
	h.noLocksHeld()

	again := NewPayment(h.deps).Pay(ctx, userID, f.newOrder.ID)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, "order status is invalid", again.Message)
	assert.Equal(t, int64(10), h.stockOf(f.origKey))
}

func TestPaySettlementKeepsOtherTickets(t *testing.T) {
	h := newHarness(t)
	f := seedChange(t, h, adultPax, childPax)

	r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
	require.True(t, r.OK(), r.Message)

	origOrder := h.order(f.orig.ID)
	assert.Equal(t, model.OrderPaid, origOrder.Status)
	assert.Equal(t, 1, origOrder.TicketCount)
	assert.Equal(t, int64(10000), origOrder.TotalAmountCents)
	assert.Equal(t, model.TicketUnused, h.ticket(f.origTs[1].ID).Status)
	assert.Equal(t, int64(9), h.stockOf(f.origKey))
}

func TestPaySettlementFailuresDoNotFailPayment(t *testing.T) {
	t.Run("passenger mismatch", func(t *testing.T) {
		h := newHarness(t)
		f := seedChange(t, h, adultPax)
		require.NoError(t, h.maps.Put(context.Background(), model.ChangeMapping{
			NewTicketID: f.newTs[0].ID, OriginalTicketID: f.origTs[0].ID, PassengerID: 999,
		}))

		r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
		require.True(t, r.OK(), r.Message)
		assert.Equal(t, model.TicketUnused, h.ticket(f.origTs[0].ID).Status)
		assert.Equal(t, int64(9), h.stockOf(f.origKey))
	})

	t.Run("original missing", func(t *testing.T) {
		h := newHarness(t)
		f := seedChange(t, h, adultPax)
		require.NoError(t, h.maps.Put(context.Background(), model.ChangeMapping{
			NewTicketID: f.newTs[0].ID, OriginalTicketID: 424242, PassengerID: adultPax,
		}))

		r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
		require.True(t, r.OK(), r.Message)
		assert.Equal(t, int64(9), h.stockOf(f.origKey))
	})

	t.Run("malformed mapping", func(t *testing.T) {
		h := newHarness(t)
		f := seedChange(t, h, adultPax)
		require.NoError(t, h.mr.Set("change:map:"+strconv.FormatUint(f.newTs[0].ID, 10), "garbage"))

		r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
		require.True(t, r.OK(), r.Message)
		assert.Equal(t, model.TicketUnused, h.ticket(f.origTs[0].ID).Status)
	})

	t.Run("original already refunded", func(t *testing.T) {
		h := newHarness(t)
		f := seedChange(t, h, adultPax)
		orig := h.ticket(f.origTs[0].ID)
		orig.Status = model.TicketRefunded
		require.NoError(t, memTickets{h.db}.Update(context.Background(), &orig))

		r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
		require.True(t, r.OK(), r.Message)
		assert.Equal(t, int64(9), h.stockOf(f.origKey), "stock of a refunded original is not returned twice")
		_, ok, err := h.maps.Get(context.Background(), f.newTs[0].ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPayValidation(t *testing.T) {
	h := newHarness(t)
	f := seedChange(t, h, adultPax)
	p := NewPayment(h.deps)
	ctx := context.Background()

	r := p.Pay(ctx, otherUser, f.newOrder.ID)
	assert.Equal(t, "order does not belong to the current user", r.Message)
	r = p.Pay(ctx, userID, 424242)
	assert.Equal(t, "order not found", r.Message)
	r = p.Pay(ctx, userID, f.orig.ID)
	assert.Equal(t, "order status is invalid", r.Message)
	h.noLocksHeld()
}

func TestPayPersistenceFailureKeepsPairing(t *testing.T) {
	h := newHarness(t)
	f := seedChange(t, h, adultPax)
	h.db.failSave = errBoom

	r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, model.OrderPendingPayment, h.order(f.newOrder.ID).Status)
	_, ok, err := h.maps.Get(context.Background(), f.newTs[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), h.stockOf(f.origKey))
	h.noLocksHeld()
}

func TestConcurrentPaymentsSettleOnce(t *testing.T) {
	h := newHarness(t)
	h.deps.Config.LockWait = 2 * h.deps.Config.LockHold
	f := seedChange(t, h, adultPax)
	p := NewPayment(h.deps)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Pay(context.Background(), userID, f.newOrder.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(10), h.stockOf(f.origKey))
	h.noLocksHeld()
}

// interceptLocker runs before once, just ahead of the first attempt to
// take key.
type interceptLocker struct {
	Locker
	key    string
	before func()
}

func (l *interceptLocker) TryLock(ctx context.Context, key string, wait, hold time.Duration) (*lock.Lock, bool) {
	if key == l.key && l.before != nil {
		run := l.before
		l.before = nil
		run()
	}
	return l.Locker.TryLock(ctx, key, wait, hold)
}

func TestSettlementSeesRefundCommittedBeforeItsLock(t *testing.T) {
	h := newHarness(t)
	f := seedChange(t, h, adultPax)
	ctx := context.Background()

	var refunded Result
	h.deps.Locks = &interceptLocker{Locker: h.deps.Locks, key: lock.RefundKey(f.orig.ID), before: func() {
		refunded = NewRefund(h.deps).Refund(ctx, RefundRequest{UserID: userID, OrderID: f.orig.ID, TicketIDs: []uint64{f.origTs[0].ID}})
	}}

	r := NewPayment(h.deps).Pay(ctx, userID, f.newOrder.ID)
	require.True(t, r.OK(), r.Message)
	require.True(t, refunded.OK(), refunded.Message)

	assert.Equal(t, model.TicketRefunded, h.ticket(f.origTs[0].ID).Status)
	assert.Equal(t, model.OrderCancelled, h.order(f.orig.ID).Status)
	assert.Equal(t, int64(10), h.stockOf(f.origKey), "the original seat is returned once")
	assert.Equal(t, model.TicketUnused, h.ticket(f.newTs[0].ID).Status)
	_, ok, err := h.maps.Get(ctx, f.newTs[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)
	h.noLocksHeld()
}

// secondSaveFails lets the payment commit and fails the settlement write.
type secondSaveFails struct {
	OrderStore
	saves int
}

func (s *secondSaveFails) SaveWithTickets(ctx context.Context, o *model.Order, ts []model.Ticket) error {
	s.saves++
	if s.saves > 1 {
		return errBoom
	}
	return s.OrderStore.SaveWithTickets(ctx, o, ts)
}

func TestSettlementWriteFailureKeepsStock(t *testing.T) {
	h := newHarness(t)
	f := seedChange(t, h, adultPax)
	h.deps.Orders = &secondSaveFails{OrderStore: h.deps.Orders}

	r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
	require.True(t, r.OK(), r.Message)

	assert.Equal(t, model.OrderPaid, h.order(f.newOrder.ID).Status)
	assert.Equal(t, model.TicketUnused, h.ticket(f.origTs[0].ID).Status)
	assert.Equal(t, model.OrderPaid, h.order(f.orig.ID).Status)
	assert.Equal(t, int64(9), h.stockOf(f.origKey), "stock stays taken while the original is still valid")
	_, ok, err := h.maps.Get(context.Background(), f.newTs[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, h.note.count())
	h.noLocksHeld()
}

func TestPairingOutlivesSlowPaymentByDefault(t *testing.T) {
	h := newHarness(t)
	h.maps = cache.NewMappings(h.rdb, config.DefaultBookingConfig().ChangeMappingTTL)
	h.deps.Mappings = h.maps
	f := seedChange(t, h, adultPax)

	h.mr.FastForward(25 * time.Hour)
	r := NewPayment(h.deps).Pay(context.Background(), userID, f.newOrder.ID)
	require.True(t, r.OK(), r.Message)

	assert.Equal(t, model.TicketChanged, h.ticket(f.origTs[0].ID).Status)
	assert.Equal(t, model.OrderCancelled, h.order(f.orig.ID).Status)
	assert.Equal(t, int64(10), h.stockOf(f.origKey))
}
