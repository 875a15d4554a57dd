package router // package router defines how HTTP routes are registered for the API

import (
	"context" // store ping signature

	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/pi-funnel/internal/handler"    // import the handlers that implement the funnel endpoints
	"github.com/iliyamo/pi-funnel/internal/middleware" // import middleware for JWT authentication and role enforcement
	"github.com/iliyamo/pi-funnel/internal/model"      // role names
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check backed
// by ping.
func RegisterRoutes(e *echo.Echo, ping func(ctx context.Context) error) {
	e.GET("/healthz", handler.Health(ping))
}

// RegisterAuth registers the account routes.  Register and login live under
// /v1/auth; the protected /v1/me requires a valid access token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)

	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(jwtSecret))
	// Any funnel role may read its own account.
	auth.Use(middleware.RequireRole(model.RolePlayer, model.RoleAdmin))
	auth.GET("/me", a.Me)
}
