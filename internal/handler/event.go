package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/workshop-billing/internal/reconcile"
)

// EventHandler serves the participant endpoints scoped under a workshop
// event.  They are restricted to staff by the router.
type EventHandler struct {
	Responder
	engine *reconcile.Engine
}

func NewEventHandler(engine *reconcile.Engine, r Responder) *EventHandler {
	if engine == nil {
		panic("nil engine passed to NewEventHandler")
	}
	return &EventHandler{Responder: r, engine: engine}
}

// Get handles GET /v1/events/:eventId.
func (h *EventHandler) Get(c echo.Context) error {
	ev, err := h.engine.Event(c.Request().Context(), c.Param("eventId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, ev)
}

type paidRequest struct {
	IsPaid *bool `json:"isPaid" validate:"required"`
}

// SetPaid handles PATCH /v1/events/:eventId/participants/:ref/payment.
func (h *EventHandler) SetPaid(c echo.Context) error {
	var body paidRequest
	if err := bind(c, &body); err != nil {
		return h.respondError(c, err)
	}
	if body.IsPaid == nil {
		return h.fail(c, http.StatusBadRequest, "isPaid is required", nil)
	}
	p, err := h.engine.SetPaid(c.Request().Context(), c.Param("eventId"), c.Param("ref"), *body.IsPaid)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, p)
}

// ConfirmCash handles POST /v1/events/:eventId/participants/:ref/cash.
func (h *EventHandler) ConfirmCash(c echo.Context) error {
	p, err := h.engine.ConfirmCash(c.Request().Context(), c.Param("eventId"), c.Param("ref"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, p)
}

type receivedRequest struct {
	Received *bool `json:"received" validate:"required"`
}

// SetReceived handles PATCH /v1/events/:eventId/participants/:ref/received.
func (h *EventHandler) SetReceived(c echo.Context) error {
	var body receivedRequest
	if err := bind(c, &body); err != nil {
		return h.respondError(c, err)
	}
	if body.Received == nil {
		return h.fail(c, http.StatusBadRequest, "received is required", nil)
	}
	p, err := h.engine.SetReceived(c.Request().Context(), c.Param("eventId"), c.Param("ref"), *body.Received)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, p)
}

// Remove handles DELETE /v1/events/:eventId/participants/:ref.
func (h *EventHandler) Remove(c echo.Context) error {
	p, err := h.engine.RemoveParticipant(c.Request().Context(), c.Param("eventId"), c.Param("ref"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: p, Message: "participant removed"})
}

// RebuildStatistics handles POST /v1/events/:eventId/statistics/rebuild.
func (h *EventHandler) RebuildStatistics(c echo.Context) error {
	ev, err := h.engine.RebuildStatistics(c.Request().Context(), c.Param("eventId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, ev.Statistics)
}
