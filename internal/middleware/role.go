package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireRole returns a middleware that enforces that the authenticated
// user has one of the given roles.  The roles should be written the way
// JWTAuth stores them, upper-cased.  A request whose role is missing or
// not in the set is answered with 403 Forbidden and the handler is not
// called.  It must be mounted after JWTAuth, which puts the role into the
// context.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	// Set of allowed roles; the value is always true when present.
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !allowed[Role(c)] {
				return c.JSON(http.StatusForbidden, echo.Map{"success": false, "error": "forbidden"})
			}
			return next(c)
		}
	}
}
