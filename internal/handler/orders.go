package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/train-ticket-booking/internal/service"
)

// Booker, Payer and the other interfaces below are implemented by the
// coordinators in package service.
type Booker interface {
	Book(ctx context.Context, req service.BookingRequest) service.Result
}

type Payer interface {
	Pay(ctx context.Context, userID, orderID uint64) service.Result
}

type Refunder interface {
	Refund(ctx context.Context, req service.RefundRequest) service.Result
}

type Changer interface {
	Change(ctx context.Context, req service.ChangeRequest) service.Result
}

type Canceller interface {
	CancelOrder(ctx context.Context, userID, orderID uint64) service.Result
}

// OrderReader serves the read side of orders and waitlists.
type OrderReader interface {
	Order(ctx context.Context, userID, id uint64) (*service.OrderView, error)
	OrderByNumber(ctx context.Context, userID uint64, number string) (*service.OrderView, error)
	Waitlist(ctx context.Context, userID, id uint64) (*service.WaitlistView, error)
}

// OrderHandler exposes booking and the order lifecycle.  All routes sit
// behind JWTAuth.
type OrderHandler struct {
	Booking Booker
	Payment Payer
	Refunds Refunder
	Changes Changer
	Cancels Canceller
	Reads   OrderReader
}

type bookingReq struct {
	itineraryReq
	Passengers []service.PassengerRequest `json:"passengers"`
}

// Book handles POST /v1/bookings.  201 when the order was accepted, 409
// when stock ran out or a lock was busy, 400 otherwise.
func (h *OrderHandler) Book(c echo.Context) error {
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
	r := h.Booking.Book(c.Request().Context(), service.BookingRequest{
		UserID:     userID,
		Itinerary:  it,
		Passengers: body.Passengers,
	})
	return respond(c, r, http.StatusCreated)
}

// Pay handles POST /v1/orders/:id/pay.
func (h *OrderHandler) Pay(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid order id"})
	}
	return respond(c, h.Payment.Pay(c.Request().Context(), userID, orderID), http.StatusOK)
}

// Refund handles POST /v1/orders/:id/refund with {"ticket_ids": [...]}.
func (h *OrderHandler) Refund(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid order id"})
	}
	var body struct {
		TicketIDs []uint64 `json:"ticket_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	r := h.Refunds.Refund(c.Request().Context(), service.RefundRequest{
		UserID:    userID,
		OrderID:   orderID,
		TicketIDs: body.TicketIDs,
	})
	return respond(c, r, http.StatusOK)
}

type changeReq struct {
	itineraryReq
	Tickets []service.ChangeTicket `json:"tickets"`
}

// Change handles POST /v1/orders/:id/change.  On success the response
// carries the id of the new, unpaid order.
func (h *OrderHandler) Change(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid order id"})
	}
	var body changeReq
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	it, err := body.itinerary()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	r := h.Changes.Change(c.Request().Context(), service.ChangeRequest{
		UserID:    userID,
		OrderID:   orderID,
		Itinerary: it,
		Tickets:   body.Tickets,
	})
	return respond(c, r, http.StatusCreated)
}

// Cancel handles POST /v1/orders/:id/cancel.
func (h *OrderHandler) Cancel(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid order id"})
	}
	return respond(c, h.Cancels.CancelOrder(c.Request().Context(), userID, orderID), http.StatusOK)
}

// Get handles GET /v1/orders/:id.
func (h *OrderHandler) Get(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	orderID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid order id"})
	}
	v, err := h.Reads.Order(c.Request().Context(), userID, orderID)
	if err != nil {
		return queryError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// GetByNumber handles GET /v1/orders/number/:number.
func (h *OrderHandler) GetByNumber(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	number := strings.TrimSpace(c.Param("number"))
	if number == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "order number is required"})
	}
	v, err := h.Reads.OrderByNumber(c.Request().Context(), userID, number)
	if err != nil {
		return queryError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}
