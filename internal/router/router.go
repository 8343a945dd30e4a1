// Package router registers the HTTP routes of the booking API.
package router

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/train-ticket-booking/internal/handler"
	"github.com/iliyamo/train-ticket-booking/internal/middleware"
)

// RegisterRoutes registers operational endpoints: liveness, readiness and
// the Prometheus scrape endpoint.  metrics may be nil.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc, metrics http.Handler) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready)
	}
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
}

// RegisterAuth registers the token endpoints under /v1/auth and the
// protected /v1/me.  Logout accepts either a refresh token or a bearer, so
// it sits outside the JWT group.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)               // rotates the refresh token
	g.POST("/refresh-access", a.RefreshAccess) // keeps the refresh token
	g.POST("/logout", a.Logout)

	auth := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	auth.GET("/me", a.Me)
	e.POST("/v1/logout", a.Logout)
}

// RegisterPublic registers unauthenticated browse endpoints.  The
// availability query is what guests hit hardest, so callers pass the
// response cache and rate limiter in mws.
func RegisterPublic(e *echo.Echo, b *handler.BrowseHandler, mws ...echo.MiddlewareFunc) {
	e.GET("/v1/stock", b.Availability, mws...)
}
