package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/train-ticket-booking/internal/service"
)

// WaitlistService is implemented by service.Waitlist.
type WaitlistService interface {
	Create(ctx context.Context, req service.WaitlistRequest) service.Result
	Pay(ctx context.Context, userID, id uint64) service.Result
	Refund(ctx context.Context, userID, id uint64) service.Result
}

// WaitlistHandler exposes waitlist orders.
type WaitlistHandler struct {
	Waitlists WaitlistService
	Reads     OrderReader
}

// Create handles POST /v1/waitlists.  The body has the same shape as a
// booking.
func (h *WaitlistHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body bookingReq
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	it, err := body.itinerary()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	r := h.Waitlists.Create(c.Request().Context(), service.WaitlistRequest{
		UserID:     userID,
		Itinerary:  it,
		Passengers: body.Passengers,
	})
	return respond(c, r, http.StatusCreated)
}

// Pay handles POST /v1/waitlists/:id/pay.
func (h *WaitlistHandler) Pay(c echo.Context) error {
	return h.act(c, h.Waitlists.Pay)
}

// Refund handles POST /v1/waitlists/:id/refund.
func (h *WaitlistHandler) Refund(c echo.Context) error {
	return h.act(c, h.Waitlists.Refund)
}

func (h *WaitlistHandler) act(c echo.Context, fn func(context.Context, uint64, uint64) service.Result) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid waitlist order id"})
	}
	return respond(c, fn(c.Request().Context(), userID, id), http.StatusOK)
}

// Get handles GET /v1/waitlists/:id.
func (h *WaitlistHandler) Get(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid waitlist order id"})
	}
	v, err := h.Reads.Waitlist(c.Request().Context(), userID, id)
	if err != nil {
		return queryError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}
