package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/train-ticket-booking/internal/cache"
	"github.com/iliyamo/train-ticket-booking/internal/clock"
	"github.com/iliyamo/train-ticket-booking/internal/config"
	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/queue"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
	"github.com/iliyamo/train-ticket-booking/internal/stock"
)

// memDB is an in-memory stand-in for the MySQL repositories.
type memDB struct {
	mu         sync.Mutex
	now        func() time.Time
	orders     map[uint64]model.Order
	tickets    map[uint64]model.Ticket
	waitlists  map[uint64]model.WaitlistOrder
	items      map[uint64]model.WaitlistItem
	nextOrder  uint64
	nextTicket uint64
	nextW      uint64
	nextItem   uint64

	failSave       error // SaveWithTickets
	failCreate     error // CreateWithTickets
	failItemUpdate error // UpdateItem
}

func newMemDB(now func() time.Time) *memDB {
	return &memDB{
		now:        now,
		orders:     map[uint64]model.Order{},
		tickets:    map[uint64]model.Ticket{},
		waitlists:  map[uint64]model.WaitlistOrder{},
		items:      map[uint64]model.WaitlistItem{},
		nextOrder:  100,
		nextTicket: 1000,
		nextW:      500,
		nextItem:   5000,
	}
}

type memOrders struct{ db *memDB }

func (m memOrders) FindByID(_ context.Context, id uint64) (*model.Order, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	o, ok := m.db.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (m memOrders) FindByNumber(_ context.Context, number string) (*model.Order, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, o := range m.db.orders {
		if o.Number == number {
			return &o, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memOrders) CreateWithTickets(_ context.Context, o *model.Order, ts []model.Ticket) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.failCreate != nil {
		return m.db.failCreate
	}
	for _, x := range m.db.orders {
		if x.Number == o.Number {
			return repository.ErrDuplicate
		}
	}
	m.db.nextOrder++
	o.ID = m.db.nextOrder
	o.CreatedAt = m.db.now()
	m.db.orders[o.ID] = *o
	for i := range ts {
		m.db.nextTicket++
		ts[i].ID = m.db.nextTicket
		ts[i].OrderID = o.ID
		m.db.tickets[ts[i].ID] = ts[i]
	}
	return nil
}

func (m memOrders) Update(_ context.Context, o *model.Order) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.orders[o.ID]; !ok {
		return repository.ErrNotFound
	}
	m.db.orders[o.ID] = *o
	return nil
}

func (m memOrders) SaveWithTickets(_ context.Context, o *model.Order, ts []model.Ticket) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.failSave != nil {
		return m.db.failSave
	}
	m.db.orders[o.ID] = *o
	for _, t := range ts {
		m.db.tickets[t.ID] = t
	}
	return nil
}

func (m memOrders) AddTicket(_ context.Context, o *model.Order, t *model.Ticket) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.nextTicket++
	t.ID = m.db.nextTicket
	t.OrderID = o.ID
	m.db.tickets[t.ID] = *t
	m.db.orders[o.ID] = *o
	return nil
}

func (m memOrders) ListUnpaidBefore(_ context.Context, cutoff time.Time, limit int) ([]model.Order, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []model.Order
	for _, o := range m.db.orders {
		if o.Status == model.OrderPendingPayment && o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTickets struct{ db *memDB }

func (m memTickets) FindByID(_ context.Context, id uint64) (*model.Ticket, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, ok := m.db.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (m memTickets) filter(keep func(model.Ticket) bool) []model.Ticket {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []model.Ticket
	for _, t := range m.db.tickets {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m memTickets) FindByOrderID(_ context.Context, orderID uint64) ([]model.Ticket, error) {
	return m.filter(func(t model.Ticket) bool { return t.OrderID == orderID }), nil
}

func (m memTickets) FindByOrderIDAndIDs(_ context.Context, orderID uint64, ids []uint64) ([]model.Ticket, error) {
	want := map[uint64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	return m.filter(func(t model.Ticket) bool { return t.OrderID == orderID && want[t.ID] }), nil
}

func (m memTickets) FindValidByOrderID(_ context.Context, orderID uint64) ([]model.Ticket, error) {
	return m.filter(func(t model.Ticket) bool { return t.OrderID == orderID && t.Status.Counted() }), nil
}

func (m memTickets) Update(_ context.Context, t *model.Ticket) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.tickets[t.ID]; !ok {
		return repository.ErrNotFound
	}
	m.db.tickets[t.ID] = *t
	return nil
}

func (m memTickets) ValidByPassengerAndDate(_ context.Context, passengerID uint64, date time.Time) ([]model.Ticket, error) {
	day := date.Format(model.DateLayout)
	return m.filter(func(t model.Ticket) bool {
		return t.PassengerID == passengerID && t.TravelDate.Format(model.DateLayout) == day &&
			(t.Status == model.TicketPendingPayment || t.Status == model.TicketUnused)
	}), nil
}

type memWaitlists struct{ db *memDB }

func (m memWaitlists) Create(_ context.Context, w *model.WaitlistOrder, items []model.WaitlistItem) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.nextW++
	w.ID = m.db.nextW
	if w.CreatedAt.IsZero() {
		w.CreatedAt = m.db.now()
	}
	m.db.waitlists[w.ID] = *w
	for i := range items {
		m.db.nextItem++
		items[i].ID = m.db.nextItem
		items[i].WaitlistOrderID = w.ID
		m.db.items[items[i].ID] = items[i]
	}
	return nil
}

func (m memWaitlists) FindByID(_ context.Context, id uint64) (*model.WaitlistOrder, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	w, ok := m.db.waitlists[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (m memWaitlists) ListByStatus(_ context.Context, status model.WaitlistStatus, limit int) ([]model.WaitlistOrder, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []model.WaitlistOrder
	for _, w := range m.db.waitlists {
		if w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memWaitlists) Items(_ context.Context, id uint64) ([]model.WaitlistItem, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []model.WaitlistItem
	for _, it := range m.db.items {
		if it.WaitlistOrderID == id {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memWaitlists) UpdateOrder(_ context.Context, w *model.WaitlistOrder) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.waitlists[w.ID] = *w
	return nil
}

func (m memWaitlists) UpdateItem(_ context.Context, it *model.WaitlistItem) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.failItemUpdate != nil {
		return m.db.failItemUpdate
	}
	m.db.items[it.ID] = *it
	return nil
}

func (m memWaitlists) SaveWithItems(_ context.Context, w *model.WaitlistOrder, items []model.WaitlistItem) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.waitlists[w.ID] = *w
	for _, it := range items {
		m.db.items[it.ID] = it
	}
	return nil
}

type memPassengers map[[2]uint64]bool

func (m memPassengers) IsLinked(_ context.Context, userID, passengerID uint64) (bool, error) {
	return m[[2]uint64{userID, passengerID}], nil
}

type memInventory struct {
	prices map[model.StockKey]int64
	seats  map[model.StockKey]int64
	names  map[uint64]string
}

func (m *memInventory) UnitPrice(_ context.Context, k model.StockKey) (int64, bool, error) {
	p, ok := m.prices[k]
	return p, ok, nil
}

func (m *memInventory) Available(_ context.Context, k model.StockKey) (int64, bool, error) {
	n, ok := m.seats[k]
	return n, ok, nil
}

func (m *memInventory) CarriageTypeName(_ context.Context, id uint64) (string, error) {
	if n, ok := m.names[id]; ok {
		return n, nil
	}
	return "", repository.ErrNotFound
}

func (m *memInventory) ListByItinerary(_ context.Context, it model.Itinerary) ([]model.CarriageAvailability, error) {
	var out []model.CarriageAvailability
	for k, p := range m.prices {
		if k != it.StockKey(k.CarriageTypeID) {
			continue
		}
		out = append(out, model.CarriageAvailability{
			CarriageTypeID:   k.CarriageTypeID,
			CarriageTypeName: m.names[k.CarriageTypeID],
			PriceCents:       p,
			AvailableSeats:   m.seats[k],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CarriageTypeID < out[j].CarriageTypeID })
	return out, nil
}

type memTimetable struct {
	cities map[uint64]string
	stops  map[[2]uint64]model.StopTime
}

func (m *memTimetable) StationCity(_ context.Context, id uint64) (string, error) {
	c, ok := m.cities[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return c, nil
}

func (m *memTimetable) StopTime(_ context.Context, trainID, stationID uint64) (model.StopTime, error) {
	st, ok := m.stops[[2]uint64{trainID, stationID}]
	if !ok {
		return model.StopTime{}, repository.ErrNotFound
	}
	return st, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.OrderCreateEvent
	err    error
}

func (p *fakePublisher) PublishOrderCreate(_ context.Context, ev queue.OrderCreateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) StockReleased() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

var errBoom = errors.New("boom")

// Fixture ids.  Train 1 runs Beijing South (10) 08:00 -> Shanghai
// Hongqiao (20) 13:00; Beijing West (11) and Shanghai (21) are alternative
// stations in the same cities; Nanjing (30) is elsewhere.
const (
	userID     = uint64(1)
	otherUser  = uint64(2)
	trainID    = uint64(1)
	adultPax   = uint64(100)
	childPax   = uint64(101)
	secondTier = uint64(3)
	firstTier  = uint64(4)
)

type harness struct {
	t     *testing.T
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	clock *clock.Manual
	db    *memDB
	inv   *memInventory
	tt    *memTimetable
	pub   *fakePublisher
	note  *countingNotifier
	stock *stock.Store
	maps  *cache.Mappings
	hook  *test.Hook
	deps  *Deps
	date  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log, hook := test.NewNullLogger()
	clk := clock.NewManual(time.Date(2026, 11, 1, 8, 0, 0, 0, time.UTC))
	db := newMemDB(clk.Now)

	h := &harness{
		t: t, mr: mr, rdb: rdb, clock: clk, db: db, hook: hook,
		inv:   &memInventory{prices: map[model.StockKey]int64{}, seats: map[model.StockKey]int64{}, names: map[uint64]string{secondTier: "second class", firstTier: "first class"}},
		pub:   &fakePublisher{},
		note:  &countingNotifier{},
		stock: stock.NewStore(rdb),
		maps:  cache.NewMappings(rdb, time.Hour),
		date:  time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC),
	}
	h.tt = &memTimetable{
		cities: map[uint64]string{10: "Beijing", 11: "Beijing", 20: "Shanghai", 21: "Shanghai", 30: "Nanjing"},
		stops: map[[2]uint64]model.StopTime{
			{trainID, 10}: {TrainID: trainID, StationID: 10, Sequence: 1, Departure: 8 * time.Hour, Arrival: 8 * time.Hour},
			{trainID, 11}: {TrainID: trainID, StationID: 11, Sequence: 2, Departure: 8*time.Hour + 30*time.Minute, Arrival: 8*time.Hour + 25*time.Minute},
			{trainID, 30}: {TrainID: trainID, StationID: 30, Sequence: 3, Departure: 11 * time.Hour, Arrival: 10*time.Hour + 55*time.Minute},
			{trainID, 20}: {TrainID: trainID, StationID: 20, Sequence: 4, Departure: 13 * time.Hour, Arrival: 13 * time.Hour},
			{trainID, 21}: {TrainID: trainID, StationID: 21, Sequence: 5, Departure: 13*time.Hour + 30*time.Minute, Arrival: 13*time.Hour + 20*time.Minute},
		},
	}
	cfg := config.DefaultBookingConfig()
	cfg.LockWait = 100 * time.Millisecond
	cfg.LockHold = 5 * time.Second
	cfg.SeatsPerCarriage = 2

	h.deps = &Deps{
		Stock:      h.stock,
		Locks:      lock.New(rdb, log),
		Cache:      cache.NewOrders(rdb, time.Minute),
		Mappings:   h.maps,
		Numbers:    cache.NewSequence(rdb, clk.Now),
		Orders:     memOrders{db},
		Tickets:    memTickets{db},
		Waitlists:  memWaitlists{db},
		Passengers: memPassengers{{userID, adultPax}: true, {userID, childPax}: true},
		Inventory:  h.inv,
		Timetable:  h.tt,
		Seats:      NewRedisSeatAllocator(rdb, cfg.SeatsPerCarriage),
		Conflicts:  NewTimeConflictChecker(memTickets{db}, h.tt),
		Publisher:  h.pub,
		Notifier:   h.note,
		Clock:      clk,
		Log:        log,
		Metrics:    NewMetrics(nil),
		Config:     cfg,
	}
	return h
}

// itinerary is Beijing South -> Shanghai Hongqiao on the fixture date.
func (h *harness) itinerary() model.Itinerary {
	return model.Itinerary{TrainID: trainID, DepartureStopID: 10, ArrivalStopID: 20, TravelDate: h.date}
}

// offer registers inventory for a bucket and leaves the stock store empty
// so coordinators load it on first use.
func (h *harness) offer(it model.Itinerary, carriageType uint64, price, seats int64) model.StockKey {
	k := it.StockKey(carriageType)
	h.inv.prices[k] = price
	h.inv.seats[k] = seats
	return k
}

func (h *harness) setStock(k model.StockKey, n int64) {
	h.t.Helper()
	require.NoError(h.t, h.stock.Set(context.Background(), k, n))
}

func (h *harness) stockOf(k model.StockKey) int64 {
	h.t.Helper()
	n, ok, err := h.stock.Get(context.Background(), k)
	require.NoError(h.t, err)
	require.True(h.t, ok, "stock %s missing", k)
	return n
}

// seedOrder stores an order with one ticket per passenger on it.
func (h *harness) seedOrder(user uint64, status model.OrderStatus, ticketStatus model.TicketStatus, it model.Itinerary, carriageType uint64, price int64, passengers ...uint64) (model.Order, []model.Ticket) {
	h.t.Helper()
	o := &model.Order{Number: fmt.Sprintf("SEED%04d", len(h.db.orders)+1), UserID: user, Status: status}
	var ts []model.Ticket
	for _, p := range passengers {
		t := model.Ticket{
			PassengerID:     p,
			TrainID:         it.TrainID,
			DepartureStopID: it.DepartureStopID,
			ArrivalStopID:   it.ArrivalStopID,
			TravelDate:      it.TravelDate,
			CarriageTypeID:  carriageType,
			PriceCents:      price,
			Status:          ticketStatus,
			TicketType:      model.TicketAdult,
		}
		require.NoError(h.t, h.deps.Seats.Assign(context.Background(), &t))
		ts = append(ts, t)
		o.TicketCount++
		o.TotalAmountCents += price
	}
	if status != model.OrderPendingPayment {
		paid := h.clock.Now()
		o.PaymentTime = &paid
	}
	require.NoError(h.t, memOrders{h.db}.CreateWithTickets(context.Background(), o, ts))
	return *o, ts
}

func (h *harness) order(id uint64) model.Order {
	h.t.Helper()
	o, err := memOrders{h.db}.FindByID(context.Background(), id)
	require.NoError(h.t, err)
	return *o
}

func (h *harness) ticket(id uint64) model.Ticket {
	h.t.Helper()
	t, err := memTickets{h.db}.FindByID(context.Background(), id)
	require.NoError(h.t, err)
	return *t
}

// noLocksHeld asserts that every lock key has been released.
func (h *harness) noLocksHeld() {
	h.t.Helper()
	keys, err := h.rdb.Keys(context.Background(), lock.KeyPrefix+"*").Result()
	require.NoError(h.t, err)
	require.Empty(h.t, keys)
}
