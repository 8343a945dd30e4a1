package model

import "strings"

// TicketType is the fare category of a passenger.
type TicketType string

const (
	TicketAdult    TicketType = "ADULT"
	TicketChild    TicketType = "CHILD"
	TicketStudent  TicketType = "STUDENT"
	TicketDisabled TicketType = "DISABLED"
	TicketMilitary TicketType = "MILITARY"
)

// discountPercent is the fixed fare table, in percent of the inventory price.
var discountPercent = map[TicketType]int64{
	TicketAdult:    100,
	TicketChild:    50,
	TicketStudent:  80,
	TicketDisabled: 50,
	TicketMilitary: 50,
}

// RefundPercent is the share of the ticket price returned on refund.
const RefundPercent int64 = 80

// ParseTicketType normalizes a client supplied ticket type.  Unknown values
// are returned as-is and priced like ADULT.
func ParseTicketType(s string) TicketType {
	return TicketType(strings.ToUpper(strings.TrimSpace(s)))
}

// DiscountPercent returns the fare percentage for t; unknown types pay 100.
func DiscountPercent(t TicketType) int64 {
	if p, ok := discountPercent[t]; ok {
		return p
	}
	return 100
}

// ApplyPercent scales cents by pct percent rounding half up.
func ApplyPercent(cents, pct int64) int64 {
	if cents <= 0 {
		return 0
	}
	return (cents*pct + 50) / 100
}

// TicketPrice returns the price of one ticket of type t for an inventory
// unit price, both in cents.
func TicketPrice(unitCents int64, t TicketType) int64 {
	return ApplyPercent(unitCents, DiscountPercent(t))
}

// RefundAmount returns what the customer gets back for a ticket sold at
// priceCents.  The penalty does not depend on the ticket type.
func RefundAmount(priceCents int64) int64 {
	return ApplyPercent(priceCents, RefundPercent)
}
