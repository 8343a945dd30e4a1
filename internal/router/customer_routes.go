package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/train-ticket-booking/internal/handler"
	"github.com/iliyamo/train-ticket-booking/internal/middleware"
)

// Customer groups the handlers behind the customer routes.
type Customer struct {
	Orders    *handler.OrderHandler
	Waitlists *handler.WaitlistHandler
	Browse    *handler.BrowseHandler
}

// RegisterCustomer registers booking and order lifecycle endpoints under
// /v1.  All routes require a valid JWT and the CUSTOMER role; mws (the
// rate limiter) run after authentication so limits can be per user.
// Ownership of orders is checked by the coordinators.
func RegisterCustomer(e *echo.Echo, h Customer, jwtSecret string, mws ...echo.MiddlewareFunc) {
	chain := append([]echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(handler.RoleCustomer),
	}, mws...)
	g := e.Group("/v1", chain...)

	g.GET("/passengers", h.Browse.Passengers)

	g.POST("/bookings", h.Orders.Book)
	g.GET("/orders/:id", h.Orders.Get)
	g.GET("/orders/number/:number", h.Orders.GetByNumber)
	g.POST("/orders/:id/pay", h.Orders.Pay)
	g.POST("/orders/:id/refund", h.Orders.Refund)
	g.POST("/orders/:id/change", h.Orders.Change)
	g.POST("/orders/:id/cancel", h.Orders.Cancel)

	g.POST("/waitlists", h.Waitlists.Create)
	g.GET("/waitlists/:id", h.Waitlists.Get)
	g.POST("/waitlists/:id/pay", h.Waitlists.Pay)
	g.POST("/waitlists/:id/refund", h.Waitlists.Refund)
}
