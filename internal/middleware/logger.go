package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestLogger logs one structured line per request through zap.  The
// level follows the response status: Error for 5xx, Warn for 4xx and Info
// otherwise.  A handler error is passed to echo's error handler first so
// the logged status is the one the client received.  The line carries the
// route pattern and the raw URI, the latency, the client IP, the user id
// set by JWTAuth and the X-Request-ID response header when present.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req, res := c.Request(), c.Response()
			level := zapcore.InfoLevel
			switch {
			case res.Status >= 500:
				level = zapcore.ErrorLevel
			case res.Status >= 400:
				level = zapcore.WarnLevel
			}
			if ce := log.Check(level, "request"); ce != nil {
				ce.Write(
					zap.String("method", req.Method),
					zap.String("path", c.Path()),
					zap.String("uri", req.RequestURI),
					zap.Int("status", res.Status),
					zap.Duration("latency", time.Since(start)),
					zap.String("ip", c.RealIP()),
					zap.String("user_id", UserID(c)),
					zap.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				)
			}
			return nil
		}
	}
}
