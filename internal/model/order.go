package model

import "time"

// Order groups the tickets bought in one booking or change.  TicketCount
// and TotalAmountCents always reflect the tickets that are neither refunded
// nor changed away.
//
// Fields:
//  ID               – primary key identifier.
//  Number           – globally unique order number.
//  UserID           – user who placed the order.
//  Status           – lifecycle state, see OrderStatus.
//  TotalAmountCents – sum of the counted tickets' prices.
//  TicketCount      – number of counted tickets.
//  PaymentTime      – when the order was paid (nil until then).
type Order struct {
	ID               uint64      `json:"id"`                     // orders.id
	Number           string      `json:"order_number"`           // orders.order_number
	UserID           uint64      `json:"user_id"`                // orders.user_id
	Status           OrderStatus `json:"status"`                 // orders.status
	TotalAmountCents int64       `json:"total_amount_cents"`     // orders.total_amount_cents
	TicketCount      int         `json:"ticket_count"`           // orders.ticket_count
	PaymentTime      *time.Time  `json:"payment_time,omitempty"` // orders.payment_time (nullable)
	CreatedAt        time.Time   `json:"created_at"`             // orders.created_at
	UpdatedAt        time.Time   `json:"updated_at"`             // orders.updated_at
}

// TransitionTo moves the order to a new status or fails with
// ErrInvalidTransition.
func (o *Order) TransitionTo(to OrderStatus) error {
	if !o.Status.CanTransitionTo(to) {
		return transitionError("order", o.Status, to)
	}
	o.Status = to
	return nil
}

// Refundable reports whether tickets of this order may be refunded or
// changed.
func (o *Order) Refundable() bool {
	return o.Status == OrderPaid || o.Status == OrderCompleted
}

// Recount recomputes TicketCount and TotalAmountCents from the order's
// tickets and returns the remaining count.
func (o *Order) Recount(tickets []Ticket) int {
	count, total := 0, int64(0)
	for _, t := range tickets {
		if t.OrderID != o.ID || !t.Status.Counted() {
			continue
		}
		count++
		total += t.PriceCents
	}
	o.TicketCount = count
	o.TotalAmountCents = total
	return count
}
