package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an entity is asked to move to a
// status that its transition table does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// OrderStatus is the lifecycle state of a formal order.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderPaid           OrderStatus = "PAID"
	OrderCompleted      OrderStatus = "COMPLETED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

// TicketStatus is the lifecycle state of a single ticket.  Tickets never
// move back to an earlier state.
type TicketStatus string

const (
	TicketPendingPayment TicketStatus = "PENDING_PAYMENT"
	TicketUnused         TicketStatus = "UNUSED"
	TicketUsed           TicketStatus = "USED"
	TicketRefunded       TicketStatus = "REFUNDED"
	TicketChanged        TicketStatus = "CHANGED"
)

// WaitlistStatus is shared by waitlist orders and waitlist items.
type WaitlistStatus string

const (
	WaitlistPendingPayment     WaitlistStatus = "PENDING_PAYMENT"
	WaitlistPendingFulfillment WaitlistStatus = "PENDING_FULFILLMENT"
	WaitlistFulfilled          WaitlistStatus = "FULFILLED"
	WaitlistCancelled          WaitlistStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingPayment: {OrderPaid, OrderCancelled},
	OrderPaid:           {OrderCompleted, OrderCancelled},
	OrderCompleted:      {OrderCancelled},
	OrderCancelled:      {},
}

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketPendingPayment: {TicketUnused, TicketRefunded},
	TicketUnused:         {TicketUsed, TicketRefunded, TicketChanged},
	TicketUsed:           {},
	TicketRefunded:       {},
	TicketChanged:        {},
}

var waitlistTransitions = map[WaitlistStatus][]WaitlistStatus{
	WaitlistPendingPayment:     {WaitlistPendingFulfillment, WaitlistCancelled},
	WaitlistPendingFulfillment: {WaitlistFulfilled, WaitlistCancelled},
	WaitlistFulfilled:          {WaitlistCancelled},
	WaitlistCancelled:          {},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether the order transition table allows from -> to.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool { return allowed(orderTransitions, s, to) }

// CanTransitionTo reports whether the ticket transition table allows from -> to.
func (s TicketStatus) CanTransitionTo(to TicketStatus) bool { return allowed(ticketTransitions, s, to) }

// CanTransitionTo reports whether the waitlist transition table allows from -> to.
func (s WaitlistStatus) CanTransitionTo(to WaitlistStatus) bool {
	return allowed(waitlistTransitions, s, to)
}

// Valid reports whether s is one of the declared order states.
func (s OrderStatus) Valid() bool { _, ok := orderTransitions[s]; return ok }

// Valid reports whether s is one of the declared ticket states.
func (s TicketStatus) Valid() bool { _, ok := ticketTransitions[s]; return ok }

// Valid reports whether s is one of the declared waitlist states.
func (s WaitlistStatus) Valid() bool { _, ok := waitlistTransitions[s]; return ok }

// Counted reports whether a ticket in this state still contributes to its
// order's ticket count and total amount.
func (s TicketStatus) Counted() bool { return s != TicketRefunded && s != TicketChanged }

// Text returns the human readable label shown to customers.
func (s OrderStatus) Text() string {
	switch s {
	case OrderPendingPayment:
		return "awaiting payment"
	case OrderPaid:
		return "paid"
	case OrderCompleted:
		return "completed"
	case OrderCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Text returns the human readable label shown to customers.
func (s TicketStatus) Text() string {
	switch s {
	case TicketPendingPayment:
		return "awaiting payment"
	case TicketUnused:
		return "unused"
	case TicketUsed:
		return "used"
	case TicketRefunded:
		return "refunded"
	case TicketChanged:
		return "changed"
	}
	return "unknown"
}

// Text returns the human readable label shown to customers.
func (s WaitlistStatus) Text() string {
	switch s {
	case WaitlistPendingPayment:
		return "awaiting payment"
	case WaitlistPendingFulfillment:
		return "waiting for seats"
	case WaitlistFulfilled:
		return "fulfilled"
	case WaitlistCancelled:
		return "cancelled"
	}
	return "unknown"
}

func transitionError(kind string, from, to any) error {
	return fmt.Errorf("%s %v -> %v: %w", kind, from, to, ErrInvalidTransition)
}
