package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole admits callers whose role claim is one of roles.  It runs
// after JWTAuth; a request that reached it without a role was never
// authenticated and gets 401, a wrong role gets 403.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	want := strings.Join(roles, " or ")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := Role(c)
			if role == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing credentials"})
			}
			for _, r := range roles {
				if r == role {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden", "message": "requires role " + want})
		}
	}
}
