package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/workshop-billing/internal/ledger"
	"github.com/iliyamo/workshop-billing/internal/middleware"
	"github.com/iliyamo/workshop-billing/internal/model"
)

// InvoiceHandler serves the invoice CRUD endpoints.  JWTAuth has already
// run; ownership checks happen in the ledger.
type InvoiceHandler struct {
	Responder
	svc *ledger.Service
}

// NewInvoiceHandler panics on a nil service.
func NewInvoiceHandler(svc *ledger.Service, r Responder) *InvoiceHandler {
	if svc == nil {
		panic("nil ledger service passed to NewInvoiceHandler")
	}
	return &InvoiceHandler{Responder: r, svc: svc}
}

func actor(c echo.Context) ledger.Actor {
	return ledger.Actor{UserID: middleware.UserID(c), Role: middleware.Role(c)}
}

// bind decodes the body and runs the struct validator when one is set.
func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return err
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(dst)
}

// Create handles POST /v1/invoices.
func (h *InvoiceHandler) Create(c echo.Context) error {
	var in ledger.CreateInput
	if err := c.Bind(&in); err != nil {
		return h.respondError(c, err)
	}
	res, err := h.svc.Create(c.Request().Context(), actor(c), in)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusCreated, res)
}

// List handles GET /v1/invoices?payerId=&eventId=&status=&date=.
func (h *InvoiceHandler) List(c echo.Context) error {
	out, err := h.svc.List(c.Request().Context(), actor(c), ledger.ListInput{
		PayerID: c.QueryParam("payerId"),
		EventID: c.QueryParam("eventId"),
		Status:  c.QueryParam("status"),
		Date:    c.QueryParam("date"),
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, out)
}

// Get handles GET /v1/invoices/:id.
func (h *InvoiceHandler) Get(c echo.Context) error {
	inv, err := h.svc.Get(c.Request().Context(), actor(c), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, inv)
}

type lineItemsRequest struct {
	Items []model.LineItem `json:"items" validate:"required,min=1"`
}

// UpdateLineItems handles PUT /v1/invoices/:id.
func (h *InvoiceHandler) UpdateLineItems(c echo.Context) error {
	var body lineItemsRequest
	if err := bind(c, &body); err != nil {
		return h.respondError(c, err)
	}
	inv, err := h.svc.UpdateLineItems(c.Request().Context(), actor(c), c.Param("id"), body.Items)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, inv)
}

type statusRequest struct {
	Status        string `json:"status" validate:"required,oneof=pending paid cancelled"`
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,max=64"`
}

// UpdateStatus handles PATCH /v1/invoices/:id/status.
func (h *InvoiceHandler) UpdateStatus(c echo.Context) error {
	var body statusRequest
	if err := bind(c, &body); err != nil {
		return h.respondError(c, err)
	}
	inv, err := h.svc.UpdateStatus(c.Request().Context(), actor(c), c.Param("id"), ledger.StatusInput{
		Status: body.Status, PaymentMethod: body.PaymentMethod,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, inv)
}

// Delete handles DELETE /v1/invoices/:id.
func (h *InvoiceHandler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), actor(c), c.Param("id")); err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, Envelope{Success: true, Message: "invoice deleted"})
}
