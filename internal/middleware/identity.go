package middleware

import "github.com/labstack/echo/v4"

// UserID returns the subject of the access token that JWTAuth accepted
// for this request.  Handlers use it as the payer identity when an
// invoice is created or listed.  On routes that are not behind JWTAuth,
// such as the gateway webhooks, and for any request that carried no
// valid token, it returns "".
func UserID(c echo.Context) string {
	s, _ := c.Get(ctxUserID).(string)
	return s
}

// Role returns the upper-cased "role" claim stored by JWTAuth, for
// example ADMIN or PARENT.  The empty string means the request is
// anonymous or the token carried no role; such a caller is treated as a
// payer with no staff rights.
func Role(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return s
}

// subjectOrAnon is the identity used in rate limit and cache keys.
func subjectOrAnon(c echo.Context) string {
	if id := UserID(c); id != "" {
		return id
	}
	return "anon"
}
