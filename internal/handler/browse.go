package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/train-ticket-booking/internal/model"
)

// AvailabilityReader is implemented by service.Queries.
type AvailabilityReader interface {
	Availability(ctx context.Context, it model.Itinerary) ([]model.CarriageAvailability, error)
}

// PassengerLister is implemented by repository.PassengerRepo.
type PassengerLister interface {
	ListByUser(ctx context.Context, userID uint64) ([]model.Passenger, error)
}

// BrowseHandler serves the availability query and the passenger list of
// the current user.
type BrowseHandler struct {
	Stock         AvailabilityReader
	PassengerRepo PassengerLister
}

// Availability handles GET /v1/stock?train_id=&departure_stop_id=&arrival_stop_id=&travel_date=.
// It is public and fronted by the response cache.
func (h *BrowseHandler) Availability(c echo.Context) error {
	var q itineraryReq
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid query parameters"})
	}
	it, err := q.itinerary()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	rows, err := h.Stock.Availability(c.Request().Context(), it)
	if err != nil {
		return queryError(c, err)
	}
	if rows == nil {
		rows = []model.CarriageAvailability{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"train_id":          it.TrainID,
		"departure_stop_id": it.DepartureStopID,
		"arrival_stop_id":   it.ArrivalStopID,
		"travel_date":       it.TravelDate.Format(model.DateLayout),
		"carriages":         rows,
	})
}

// Passengers handles GET /v1/passengers.
func (h *BrowseHandler) Passengers(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ps, err := h.PassengerRepo.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if ps == nil {
		ps = []model.Passenger{}
	}
	return c.JSON(http.StatusOK, echo.Map{"passengers": ps})
}
