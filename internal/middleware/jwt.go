package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.  Read them through UserID and Role.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// JWTAuth returns a middleware that validates the access token in the
// Authorization header.  The header must use the Bearer scheme.  The
// token must be signed with secret using HS256, HS384 or HS512 and must
// carry an expiry and a "sub" claim.  The subject is stored under the
// "user_id" key and the upper-cased "role" claim under "role".  Any
// failure is answered with 401 Unauthorized and a short reason.
//
// Tokens are issued by the identity service; this service only verifies
// them and never mints its own.
func JWTAuth(secret string) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithExpirationRequired())
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return unauthorized(c, "missing bearer token")
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			claims := jwt.MapClaims{}
			tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return unauthorized(c, "invalid token")
			}
			sub := subject(claims)
			if sub == "" {
				return unauthorized(c, "token has no subject")
			}
			role, _ := claims["role"].(string)

			c.Set(ctxUserID, sub)
			c.Set(ctxRole, strings.ToUpper(role))
			return next(c)
		}
	}
}

// subject accepts both string and numeric "sub" claims.
func subject(claims jwt.MapClaims) string {
	switch v := claims["sub"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": msg})
}
