package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/train-ticket-booking/internal/middleware"
	"github.com/iliyamo/train-ticket-booking/internal/model"
	"github.com/iliyamo/train-ticket-booking/internal/service"
)

var errUnauthenticated = errors.New("unauthenticated")

// getUserID returns the user id stored by the JWT middleware.
func getUserID(c echo.Context) (uint64, error) {
	id, ok := c.Get(middleware.CtxUserID).(uint64)
	if !ok || id == 0 {
		return 0, errUnauthenticated
	}
	return id, nil
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// itineraryReq is the wire form of an itinerary; the date is YYYY-MM-DD.
type itineraryReq struct {
	TrainID         uint64 `json:"train_id" query:"train_id"`
	DepartureStopID uint64 `json:"departure_stop_id" query:"departure_stop_id"`
	ArrivalStopID   uint64 `json:"arrival_stop_id" query:"arrival_stop_id"`
	TravelDate      string `json:"travel_date" query:"travel_date"`
}

func (r itineraryReq) itinerary() (model.Itinerary, error) {
	d, err := model.ParseDate(r.TravelDate)
	if err != nil {
		return model.Itinerary{}, err
	}
	it := model.Itinerary{
		TrainID:         r.TrainID,
		DepartureStopID: r.DepartureStopID,
		ArrivalStopID:   r.ArrivalStopID,
		TravelDate:      d,
	}
	return it, it.Validate()
}

// resultStatus maps a coordinator outcome onto an HTTP status.  created is
// used for successful calls that create a resource.
func resultStatus(r service.Result, created int) int {
	switch r.Status {
	case service.StatusSuccess:
		return created
	case service.StatusInsufficientStock:
		return http.StatusConflict
	}
	if r.Busy {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func respond(c echo.Context, r service.Result, created int) error {
	return c.JSON(resultStatus(r, created), r)
}

// queryError maps read-side errors.
func queryError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotOwner):
		return c.JSON(http.StatusForbidden, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidItinerary):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
}
