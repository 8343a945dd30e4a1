package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-ticket-booking/internal/clock"
	"github.com/iliyamo/train-ticket-booking/internal/config"
	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/queue"
	"github.com/iliyamo/train-ticket-booking/internal/stock"
)

// StockStore is the atomic stock store, see stock.Store.
type StockStore interface {
	Decr(ctx context.Context, key model.StockKey, qty int64) (stock.Code, error)
	Incr(ctx context.Context, key model.StockKey, qty int64) (stock.Code, error)
	Get(ctx context.Context, key model.StockKey) (int64, bool, error)
	SetIfAbsent(ctx context.Context, key model.StockKey, n int64) (bool, error)
}

// Locker is the distributed lock service, see lock.Locker.
type Locker interface {
	TryLock(ctx context.Context, key string, wait, hold time.Duration) (*lock.Lock, bool)
	Unlock(ctx context.Context, lk *lock.Lock) error
}

// OrderCache is the write-through order/ticket cache, see cache.Orders.
type OrderCache interface {
	Order(ctx context.Context, id uint64) (*model.Order, error)
	PutOrder(ctx context.Context, o *model.Order) error
	InvalidateOrder(ctx context.Context, id uint64) error
	Tickets(ctx context.Context, orderID uint64) ([]model.Ticket, error)
	PutTickets(ctx context.Context, orderID uint64, ts []model.Ticket) error
}

// ChangeMappings stores change pairings, see cache.Mappings.
type ChangeMappings interface {
	Put(ctx context.Context, cm model.ChangeMapping) error
	Get(ctx context.Context, newTicketID uint64) (model.ChangeMapping, bool, error)
	Delete(ctx context.Context, newTicketID uint64) error
}

// OrderNumbers generates globally unique order numbers.
type OrderNumbers interface {
	Next(ctx context.Context, prefix string) (string, error)
}

// OrderStore is the durable order store.
type OrderStore interface {
	FindByID(ctx context.Context, id uint64) (*model.Order, error)
	FindByNumber(ctx context.Context, number string) (*model.Order, error)
	CreateWithTickets(ctx context.Context, o *model.Order, tickets []model.Ticket) error
	Update(ctx context.Context, o *model.Order) error
	SaveWithTickets(ctx context.Context, o *model.Order, tickets []model.Ticket) error
	AddTicket(ctx context.Context, o *model.Order, t *model.Ticket) error
	ListUnpaidBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Order, error)
}

// TicketStore is the durable ticket store.
type TicketStore interface {
	FindByID(ctx context.Context, id uint64) (*model.Ticket, error)
	FindByOrderID(ctx context.Context, orderID uint64) ([]model.Ticket, error)
	FindByOrderIDAndIDs(ctx context.Context, orderID uint64, ids []uint64) ([]model.Ticket, error)
	FindValidByOrderID(ctx context.Context, orderID uint64) ([]model.Ticket, error)
	Update(ctx context.Context, t *model.Ticket) error
	ValidByPassengerAndDate(ctx context.Context, passengerID uint64, date time.Time) ([]model.Ticket, error)
}

// WaitlistStore is the durable waitlist store.
type WaitlistStore interface {
	Create(ctx context.Context, w *model.WaitlistOrder, items []model.WaitlistItem) error
	FindByID(ctx context.Context, id uint64) (*model.WaitlistOrder, error)
	ListByStatus(ctx context.Context, status model.WaitlistStatus, limit int) ([]model.WaitlistOrder, error)
	Items(ctx context.Context, waitlistOrderID uint64) ([]model.WaitlistItem, error)
	UpdateOrder(ctx context.Context, w *model.WaitlistOrder) error
	UpdateItem(ctx context.Context, it *model.WaitlistItem) error
	SaveWithItems(ctx context.Context, w *model.WaitlistOrder, items []model.WaitlistItem) error
}

// PassengerDirectory answers whether a user may book for a passenger.
type PassengerDirectory interface {
	IsLinked(ctx context.Context, userID, passengerID uint64) (bool, error)
}

// Inventory reads prices and seed seat counts.
type Inventory interface {
	UnitPrice(ctx context.Context, k model.StockKey) (int64, bool, error)
	Available(ctx context.Context, k model.StockKey) (int64, bool, error)
	CarriageTypeName(ctx context.Context, id uint64) (string, error)
	ListByItinerary(ctx context.Context, it model.Itinerary) ([]model.CarriageAvailability, error)
}

// Timetable reads station and stop reference data.
type Timetable interface {
	StationCity(ctx context.Context, stationID uint64) (string, error)
	StopTime(ctx context.Context, trainID, stationID uint64) (model.StopTime, error)
}

// SeatAllocator assigns concrete seats to tickets.
type SeatAllocator interface {
	Assign(ctx context.Context, t *model.Ticket) error
	Release(ctx context.Context, t *model.Ticket) error
}

// ConflictChecker finds tickets of a passenger whose journey overlaps an
// itinerary.
type ConflictChecker interface {
	Check(ctx context.Context, passengerID uint64, it model.Itinerary, excludeTicketID uint64) ([]model.Ticket, error)
	Message(conflicts []model.Ticket) string
}

// OrderPublisher hands order-creation events to the materialization
// channel.
type OrderPublisher interface {
	PublishOrderCreate(ctx context.Context, ev queue.OrderCreateEvent) error
}

// StockNotifier is told whenever stock has been returned.
type StockNotifier interface {
	StockReleased()
}

// Deps bundles the collaborators of the coordinators.  Every field except
// Notifier, Metrics and Log is required.
type Deps struct {
	Stock      StockStore
	Locks      Locker
	Cache      OrderCache
	Mappings   ChangeMappings
	Numbers    OrderNumbers
	Orders     OrderStore
	Tickets    TicketStore
	Waitlists  WaitlistStore
	Passengers PassengerDirectory
	Inventory  Inventory
	Timetable  Timetable
	Seats      SeatAllocator
	Conflicts  ConflictChecker
	Publisher  OrderPublisher
	Notifier   StockNotifier
	Clock      clock.Clock
	Log        *logrus.Logger
	Metrics    *Metrics
	Config     config.BookingConfig
}

func (d *Deps) withDefaults() *Deps {
	c := *d
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return &c
}

func (d *Deps) notifyStockReleased() {
	if d.Notifier != nil {
		d.Notifier.StockReleased()
	}
}
