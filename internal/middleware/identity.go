package middleware

// identity.go holds the context keys JWTAuth fills and the accessors
// handlers and the rate limiter use to read the caller.

import "github.com/labstack/echo/v4"

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(c echo.Context) string {
	if s, ok := c.Get(ctxUserID).(string); ok {
		return s
	}
	return ""
}

// Role returns the role claim of the caller, or "".
func Role(c echo.Context) string {
	if s, ok := c.Get(ctxRole).(string); ok {
		return s
	}
	return ""
}

// userID is UserID with "anon" for unauthenticated callers, used in
// rate limit keys.
func userID(c echo.Context) string {
	if s := UserID(c); s != "" {
		return s
	}
	return "anon"
}
