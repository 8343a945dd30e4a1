package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// TimeConflictChecker rejects journeys that overlap a passenger's other
// valid tickets on the same travel date.
type TimeConflictChecker struct {
	tickets   TicketStore
	timetable Timetable
}

// NewTimeConflictChecker returns a checker reading tickets and stop times
// from the given stores.
func NewTimeConflictChecker(tickets TicketStore, timetable Timetable) *TimeConflictChecker {
	return &TimeConflictChecker{tickets: tickets, timetable: timetable}
}

type window struct{ start, end time.Time }

func (w window) overlaps(o window) bool { return w.start.Before(o.end) && o.start.Before(w.end) }

func (c *TimeConflictChecker) span(ctx context.Context, it model.Itinerary) (window, error) {
	dep, err := c.timetable.StopTime(ctx, it.TrainID, it.DepartureStopID)
	if err != nil {
		return window{}, err
	}
	arr, err := c.timetable.StopTime(ctx, it.TrainID, it.ArrivalStopID)
	if err != nil {
		return window{}, err
	}
	return window{start: it.TravelDate.Add(dep.Departure), end: it.TravelDate.Add(arr.Arrival)}, nil
}

// Check returns the valid tickets of passengerID on the itinerary's travel date
// whose journey overlaps it.  excludeTicketID is skipped.
func (c *TimeConflictChecker) Check(ctx context.Context, passengerID uint64, it model.Itinerary, excludeTicketID uint64) ([]model.Ticket, error) {
	existing, err := c.tickets.ValidByPassengerAndDate(ctx, passengerID, it.TravelDate)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	want, err := c.span(ctx, it)
	if err != nil {
		return nil, err
	}
	var out []model.Ticket
	for _, t := range existing {
		if t.ID == excludeTicketID {
			continue
		}
		have, err := c.span(ctx, t.Itinerary())
		if err != nil {
			return nil, err
		}
		if want.overlaps(have) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Message describes the conflicts for the customer.
func (c *TimeConflictChecker) Message(conflicts []model.Ticket) string {
	parts := make([]string, 0, len(conflicts))
	for _, t := range conflicts {
		parts = append(parts, fmt.Sprintf("passenger %d already holds ticket %d on train %d at an overlapping time", t.PassengerID, t.ID, t.TrainID))
	}
	return strings.Join(parts, "; ")
}
