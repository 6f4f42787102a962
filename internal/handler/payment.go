package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/ledger"
)

// PaymentHandler serves checkout, status polling and refunds.
type PaymentHandler struct {
	Responder
	svc *ledger.Service
}

func NewPaymentHandler(svc *ledger.Service, r Responder) *PaymentHandler {
	if svc == nil {
		panic("nil ledger service passed to NewPaymentHandler")
	}
	return &PaymentHandler{Responder: r, svc: svc}
}

type checkoutRequest struct {
	Gateway string `json:"gateway" validate:"required,oneof=redirect redirect-token bearer"`
}

// Checkout handles POST /v1/invoices/:id/checkout.
func (h *PaymentHandler) Checkout(c echo.Context) error {
	var body checkoutRequest
	if err := bind(c, &body); err != nil {
		return h.respondError(c, err)
	}
	out, err := h.svc.StartCheckout(c.Request().Context(), actor(c), c.Param("id"), gateway.Kind(body.Gateway))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, out)
}

// Status handles GET /v1/invoices/:id/payment-status.
func (h *PaymentHandler) Status(c echo.Context) error {
	out, err := h.svc.PollStatus(c.Request().Context(), actor(c), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, out)
}

// Refund handles POST /v1/invoices/:id/refunds.  A refund the gateway
// declines is answered with 422 and the classified reason.
func (h *PaymentHandler) Refund(c echo.Context) error {
	var body ledger.RefundInput
	if err := c.Bind(&body); err != nil {
		return h.respondError(c, err)
	}
	res, err := h.svc.Refund(c.Request().Context(), actor(c), c.Param("id"), body)
	if err != nil {
		return h.respondError(c, err)
	}
	if !res.Success {
		return c.JSON(http.StatusUnprocessableEntity, Envelope{
			Success: false, Error: res.Reason.Describe(), Data: res,
		})
	}
	return h.ok(c, http.StatusAccepted, res)
}

// RefundState handles GET /v1/refunds/:requestId?gateway=.  The gateway
// defaults to the redirect gateway.
func (h *PaymentHandler) RefundState(c echo.Context) error {
	kind := gateway.Kind(c.QueryParam("gateway"))
	if kind == "" {
		kind = gateway.KindRedirect
	}
	st, err := h.svc.RefundState(c.Request().Context(), actor(c), kind, c.Param("requestId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, st)
}
