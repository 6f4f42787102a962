package handler

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/ledger"
	"github.com/iliyamo/workshop-billing/internal/reconcile"
	"github.com/iliyamo/workshop-billing/internal/repository"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Responder writes envelopes and maps domain errors to status codes.
// Internal details are only added when Diagnostics is set.
type Responder struct {
	Diagnostics bool
	Log         *zap.Logger
}

func (r Responder) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r Responder) ok(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

func (r Responder) fail(c echo.Context, status int, msg string, details any) error {
	env := Envelope{Success: false, Error: msg}
	if r.Diagnostics {
		env.Details = details
	}
	return c.JSON(status, env)
}

// respondError is the single place where errors become HTTP responses.
func (r Responder) respondError(c echo.Context, err error) error {
	var (
		ve *ledger.ValidationError
		nf *ledger.NotFoundError
		pe *ledger.PermissionError
		ce *ledger.ConflictError
		ge *ledger.GatewayError
		se *ledger.SignatureError
		vv validator.ValidationErrors
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, Envelope{Success: false, Error: ve.Error(), Details: ve.Violations})
	case errors.As(err, &vv):
		return c.JSON(http.StatusBadRequest, Envelope{Success: false, Error: "invalid request", Details: violations(vv)})
	case errors.As(err, &nf):
		return r.fail(c, http.StatusNotFound, nf.Error(), nil)
	case errors.Is(err, reconcile.ErrParticipantNotFound):
		return r.fail(c, http.StatusNotFound, "participant not found", nil)
	case errors.Is(err, repository.ErrNotFound):
		return r.fail(c, http.StatusNotFound, "not found", nil)
	case errors.As(err, &pe):
		return r.fail(c, http.StatusForbidden, pe.Error(), nil)
	case errors.As(err, &ce):
		return r.fail(c, http.StatusConflict, ce.Error(), nil)
	case errors.Is(err, repository.ErrVersionConflict):
		return r.fail(c, http.StatusConflict, "concurrent update, please retry", nil)
	case errors.As(err, &ge):
		r.logger().Error("gateway error", zap.String("op", ge.Op), zap.String("body", ge.Body()), zap.Error(ge.Err))
		msg := "payment gateway error"
		if ge.Op == "status" {
			msg = "payment status unknown"
		}
		return r.fail(c, http.StatusBadGateway, msg, echo.Map{"cause": ge.Err.Error(), "body": ge.Body()})
	case errors.As(err, &se):
		return r.fail(c, http.StatusUnauthorized, "invalid signature", nil)
	case errors.As(err, &he):
		return r.fail(c, he.Code, http.StatusText(he.Code), he.Message)
	}
	r.logger().Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return r.fail(c, http.StatusInternalServerError, "internal error", err.Error())
}
