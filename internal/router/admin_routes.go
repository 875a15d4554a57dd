package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/handler"
	"github.com/iliyamo/pi-funnel/internal/middleware"
	"github.com/iliyamo/pi-funnel/internal/model"
)

// RegisterAdmin registers operator endpoints.  All routes require a valid
// JWT and the ADMIN role.
func RegisterAdmin(e *echo.Echo, h *handler.AdminFunnelHandler, jwtSecret string) {
	auth := []echo.MiddlewareFunc{middleware.JWTAuth(jwtSecret), middleware.RequireRole(model.RoleAdmin)}

	e.GET("/funnel/economics", h.Economics, auth...)

	g := e.Group("/admin/funnel", auth...)
	g.GET("/audit", h.Audit)
	g.POST("/rooms/:slug/ranking", h.CloseRoom)
	g.POST("/rooms/:slug/advance", h.Advance)
}
