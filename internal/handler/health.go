package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is implemented by the store and by optional dependencies such as
// the Redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness and the state of the store.
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler takes named dependency checks.  The "store" check
// decides the status code; others are informational.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			report[name] = "down: " + err.Error()
			if name == "store" {
				status = http.StatusServiceUnavailable
			}
			continue
		}
		report[name] = "ok"
	}
	return c.JSON(status, Envelope{Success: status == http.StatusOK, Data: report})
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
