// Package router wires handlers and middleware onto the echo instance.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/workshop-billing/internal/handler"
	"github.com/iliyamo/workshop-billing/internal/ledger"
	"github.com/iliyamo/workshop-billing/internal/middleware"
)

// Handlers bundles everything RegisterRoutes mounts.
type Handlers struct {
	Health   *handler.HealthHandler
	Invoices *handler.InvoiceHandler
	Payments *handler.PaymentHandler
	Events   *handler.EventHandler
	Webhooks *handler.WebhookHandler
}

// Middleware that differs between deployments.
type Middleware struct {
	// RateLimit guards the public webhook endpoints.
	RateLimit echo.MiddlewareFunc
	// StatusCache wraps the gateway polling endpoint.
	StatusCache echo.MiddlewareFunc
}

func passthrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

// RegisterRoutes mounts the full API.
func RegisterRoutes(e *echo.Echo, h Handlers, mw Middleware, jwtSecret string) {
	if mw.RateLimit == nil {
		mw.RateLimit = passthrough
	}
	if mw.StatusCache == nil {
		mw.StatusCache = passthrough
	}

	e.GET("/healthz", h.Health.Health)

	anyone := middleware.RequireRole(ledger.RoleAdmin, ledger.RoleStaff, ledger.RoleParent)
	staff := middleware.RequireRole(ledger.RoleAdmin, ledger.RoleStaff)

	v1 := e.Group("/v1", middleware.JWTAuth(jwtSecret))

	inv := v1.Group("/invoices", anyone)
	inv.POST("", h.Invoices.Create)
	inv.GET("", h.Invoices.List)
	inv.GET("/:id", h.Invoices.Get)
	inv.PUT("/:id", h.Invoices.UpdateLineItems)
	inv.PATCH("/:id/status", h.Invoices.UpdateStatus, staff)
	inv.DELETE("/:id", h.Invoices.Delete)
	inv.POST("/:id/checkout", h.Payments.Checkout)
	inv.GET("/:id/payment-status", h.Payments.Status, mw.StatusCache)
	inv.POST("/:id/refunds", h.Payments.Refund, staff)

	v1.GET("/refunds/:requestId", h.Payments.RefundState, staff)

	ev := v1.Group("/events/:eventId", staff)
	ev.GET("", h.Events.Get)
	ev.PATCH("/participants/:ref/payment", h.Events.SetPaid)
	ev.POST("/participants/:ref/cash", h.Events.ConfirmCash)
	ev.PATCH("/participants/:ref/received", h.Events.SetReceived)
	ev.DELETE("/participants/:ref", h.Events.Remove)
	ev.POST("/statistics/rebuild", h.Events.RebuildStatistics)

	e.POST("/v1/webhooks/redirect", h.Webhooks.Redirect, mw.RateLimit)
	e.POST("/v1/webhooks/bearer", h.Webhooks.Bearer, mw.RateLimit)
}
