package service

import (
	"context"
	"errors"

	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
)

// ErrNotOwner is returned when a user reads another user's order.
var ErrNotOwner = errors.New("order does not belong to the current user")

// ErrOrderNotFound is returned for unknown orders.
var ErrOrderNotFound = errOrderNotFound

// OrderView is an order with its tickets.
type OrderView struct {
	Order   *model.Order   `json:"order"`
	Tickets []model.Ticket `json:"tickets"`
}

// WaitlistView is a waitlist order with its items.
type WaitlistView struct {
	Order *model.WaitlistOrder `json:"waitlist_order"`
	Items []model.WaitlistItem `json:"items"`
}

// Queries serves the read side: orders, waitlists and live availability.
type Queries struct {
	d *Deps
}

// NewQueries returns a read service.
func NewQueries(d *Deps) *Queries { return &Queries{d: d.withDefaults()} }

// Order returns order id with its tickets, cache first.
func (q *Queries) Order(ctx context.Context, userID, id uint64) (*OrderView, error) {
	o, err := q.d.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.view(ctx, userID, o)
}

// OrderByNumber returns the order with the given number.
func (q *Queries) OrderByNumber(ctx context.Context, userID uint64, number string) (*OrderView, error) {
	o, err := q.d.Orders.FindByNumber(ctx, number)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return q.view(ctx, userID, o)
}

func (q *Queries) view(ctx context.Context, userID uint64, o *model.Order) (*OrderView, error) {
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	ts, err := q.d.loadTickets(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		ts = []model.Ticket{}
	}
	return &OrderView{Order: o, Tickets: ts}, nil
}

// Waitlist returns a waitlist order of userID with its items.
func (q *Queries) Waitlist(ctx context.Context, userID, id uint64) (*WaitlistView, error) {
	wo, err := q.d.Waitlists.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if wo.UserID != userID {
		return nil, ErrNotOwner
	}
	items, err := q.d.Waitlists.Items(ctx, wo.ID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.WaitlistItem{}
	}
	return &WaitlistView{Order: wo, Items: items}, nil
}

// Availability lists the carriage types offered on it with prices and the
// live seat count from the stock store.
func (q *Queries) Availability(ctx context.Context, it model.Itinerary) ([]model.CarriageAvailability, error) {
	if err := it.Validate(); err != nil {
		return nil, err
	}
	rows, err := q.d.Inventory.ListByItinerary(ctx, it)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		key := it.StockKey(rows[i].CarriageTypeID)
		if err := q.d.ensureStock(ctx, key); err != nil {
			return nil, err
		}
		n, ok, err := q.d.Stock.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			rows[i].AvailableSeats = n
		}
	}
	return rows, nil
}
