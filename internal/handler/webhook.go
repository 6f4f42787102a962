package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/ledger"
)

// WebhookHandler receives gateway notifications.  The routes are public;
// every payload is signature checked by the ledger before use.
type WebhookHandler struct {
	Responder
	svc *ledger.Service
}

func NewWebhookHandler(svc *ledger.Service, r Responder) *WebhookHandler {
	if svc == nil {
		panic("nil ledger service passed to NewWebhookHandler")
	}
	return &WebhookHandler{Responder: r, svc: svc}
}

// Redirect handles POST /v1/webhooks/redirect.  The gateway posts a form
// and expects the plain text "OK<InvId>" once the payment is recorded.
func (h *WebhookHandler) Redirect(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return h.respondError(c, echo.NewHTTPError(http.StatusBadRequest, err.Error()))
	}
	payload := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			payload[k] = v[0]
		}
	}
	if _, err := h.svc.HandleNotification(c.Request().Context(), gateway.KindRedirect, payload); err != nil {
		return h.respondError(c, err)
	}
	return c.String(http.StatusOK, "OK"+payload["InvId"])
}

// Bearer handles POST /v1/webhooks/bearer.  The body is a flat JSON
// object; the signature may also come in the X-Signature header.
func (h *WebhookHandler) Bearer(c echo.Context) error {
	var raw map[string]any
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return h.respondError(c, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body"))
	}
	payload := flatten(raw)
	if payload["signature"] == "" {
		payload["signature"] = c.Request().Header.Get("X-Signature")
	}
	res, err := h.svc.HandleNotification(c.Request().Context(), gateway.KindBearer, payload)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.ok(c, http.StatusOK, echo.Map{
		"invoiceId": res.Invoice.ID,
		"status":    res.Invoice.Status,
		"duplicate": res.Duplicate,
		"applied":   res.Applied,
	})
}

// flatten keeps the scalar fields of a JSON object as strings.  Numbers
// keep their literal text so signatures over them still match.
func flatten(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			out[k] = strconv.FormatBool(t)
		case nil:
		default:
			if b, err := json.Marshal(t); err == nil {
				out[k] = string(b)
			} else {
				out[k] = fmt.Sprint(t)
			}
		}
	}
	return out
}
