package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/handler"
	"github.com/iliyamo/pi-funnel/internal/middleware"
	"github.com/iliyamo/pi-funnel/internal/model"
)

// RegisterFunnel registers the player endpoints under /funnel.  The stage
// overview is public and passes through cache; every other route requires
// a valid JWT.  Entry routes that take a seat also pass through limit.
func RegisterFunnel(e *echo.Echo, h *handler.FunnelHandler, jwtSecret string, limit, cache echo.MiddlewareFunc) {
	e.GET("/funnel/stages", h.Stages, cache)

	g := e.Group(
		"/funnel",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RolePlayer, model.RoleAdmin),
	)
	g.POST("/join", h.Join, limit)
	g.POST("/confirm", h.Confirm, limit)
	g.POST("/redeem", h.Redeem, limit)
	g.POST("/cancel", h.Cancel)
	g.GET("/tickets", h.Tickets)
}
