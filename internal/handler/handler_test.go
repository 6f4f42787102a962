package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/gateway/redirect"
	"github.com/iliyamo/workshop-billing/internal/handler"
	"github.com/iliyamo/workshop-billing/internal/ledger"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/reconcile"
	"github.com/iliyamo/workshop-billing/internal/repository"
	"github.com/iliyamo/workshop-billing/internal/router"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

const secret = "handler-secret"

// bearerStub stands in for the bearer gateway: the signature must be
// "good", the remaining fields are taken at face value.
type bearerStub struct{}

func (bearerStub) CreateCheckout(_ context.Context, inv *model.Invoice) (*gateway.Checkout, error) {
	return &gateway.Checkout{Gateway: gateway.KindBearer, RedirectURL: "https://pay.example/" + inv.ID}, nil
}

func (bearerStub) VerifyInboundSignature(p map[string]string) bool { return p["signature"] == "good" }

func (bearerStub) ParseNotification(p map[string]string) (*gateway.Notification, error) {
	amount, err := decimal.NewFromString(p["amount"])
	if err != nil {
		return nil, errors.New("bad amount")
	}
	return &gateway.Notification{InvoiceID: p["invoice"], ExternalID: p["op"], Amount: amount, Paid: p["paid"] == "true"}, nil
}

func (bearerStub) CheckStatus(context.Context, string) (*gateway.StatusResult, error) {
	return nil, errors.New("unreachable")
}

func (bearerStub) CreateRefund(context.Context, gateway.RefundRequest) (*gateway.RefundResult, error) {
	return &gateway.RefundResult{Success: false, Code: "insufficient_funds", Reason: gateway.ReasonInsufficientFunds}, nil
}

func (bearerStub) RefundState(_ context.Context, id string) (*gateway.RefundState, error) {
	return &gateway.RefundState{RequestID: id, State: gateway.StatusPending}, nil
}

func (bearerStub) Reference(inv *model.Invoice) string { return inv.ID }

type app struct {
	e     *echo.Echo
	store *repository.MemoryStore
	down  bool
}

func newApp(t *testing.T) *app {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutEvent(&model.WorkshopEvent{ID: "ev-1", Title: "Spring show"})

	reg := gateway.NewRegistry()
	reg.Register(gateway.KindRedirect, redirect.New(redirect.Config{
		MerchantLogin: "shop", Password1: "p1", Password2: "p2", Password3: "p3",
	}, nil))
	reg.Register(gateway.KindBearer, bearerStub{})

	engine := reconcile.New(store, nil, nil)
	svc := ledger.New(store, engine, reg)
	r := handler.Responder{}

	a := &app{store: store}
	e := echo.New()
	e.Validator = handler.NewValidator()
	router.RegisterRoutes(e, router.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"store": handler.PingFunc(func(context.Context) error {
				if a.down {
					return errors.New("connection refused")
				}
				return nil
			}),
		}),
		Invoices: handler.NewInvoiceHandler(svc, r),
		Payments: handler.NewPaymentHandler(svc, r),
		Events:   handler.NewEventHandler(engine, r),
		Webhooks: handler.NewWebhookHandler(svc, r),
	}, router.Middleware{}, secret)
	a.e = e
	return a
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub, "role": role, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (a *app) do(method, path, tok, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if tok != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

const createBody = `{"eventId":"ev-1","childId":"c-1","childName":"Ann",
	"items":[{"id":"s1","name":"Ballet","price":"300","kind":"style"},{"id":"o1","name":"Costume","price":"200","kind":"option"}]}`

func (a *app) create(t *testing.T, tok string) model.Invoice {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/invoices", tok, createBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res struct {
		Invoice model.Invoice `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &res))
	return res.Invoice
}

func TestCreateAndGet(t *testing.T) {
	a := newApp(t)
	parent := token(t, "p-1", "parent")

	inv := a.create(t, parent)
	assert.Equal(t, "p-1", inv.PayerID)
	assert.True(t, inv.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, model.StatusPending, inv.Status)

	rec := a.do(http.MethodGet, "/v1/invoices/"+inv.ID, parent, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode(t, rec).Success)

	rec = a.do(http.MethodGet, "/v1/invoices/"+inv.ID, token(t, "p-2", "parent"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodGet, "/v1/invoices/missing", parent, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode(t, rec).Success)
}

func TestAuthRequired(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/v1/invoices", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodGet, "/v1/events/ev-1", token(t, "p-1", "parent"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodPost, "/v1/invoices", token(t, "s-1", "staff"), `{"payerId":"p-1","amount":"-5"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.False(t, env.Success)

	var details map[string]string
	require.NoError(t, json.Unmarshal(env.Details, &details))
	assert.Contains(t, details, "eventId")
	assert.Contains(t, details, "amount")

	rec = a.do(http.MethodPost, "/v1/invoices", token(t, "s-1", "staff"), `{"eventId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStatusSyncsParticipants(t *testing.T) {
	a := newApp(t)
	inv := a.create(t, token(t, "p-1", "parent"))
	staff := token(t, "s-1", "staff")

	rec := a.do(http.MethodPatch, "/v1/invoices/"+inv.ID+"/status", staff, `{"status":"bogus"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var details map[string]string
	require.NoError(t, json.Unmarshal(decode(t, rec).Details, &details))
	assert.Equal(t, "oneof", details["status"])

	rec = a.do(http.MethodPatch, "/v1/invoices/"+inv.ID+"/status", token(t, "p-1", "parent"), `{"status":"paid"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPatch, "/v1/invoices/"+inv.ID+"/status", staff, `{"status":"paid","paymentMethod":"card"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/v1/events/ev-1", staff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ev model.WorkshopEvent
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &ev))
	require.Len(t, ev.Participants, 1)
	assert.True(t, ev.Participants[0].IsPaid)
	assert.True(t, ev.Statistics.PaidAmount.Equal(decimal.NewFromInt(500)))
}

func TestEventParticipantRoutes(t *testing.T) {
	a := newApp(t)
	inv := a.create(t, token(t, "p-1", "parent"))
	staff := token(t, "s-1", "staff")

	rec := a.do(http.MethodPost, "/v1/events/ev-1/participants/c-1/cash", staff, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := a.store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, got.Status)

	rec = a.do(http.MethodPatch, "/v1/events/ev-1/participants/c-1/received", staff, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPatch, "/v1/events/ev-1/participants/nobody/payment", staff, `{"isPaid":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/v1/events/ev-1/statistics/rebuild", staff, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodDelete, "/v1/events/ev-1/participants/c-1", staff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "participant removed")
}

func TestRedirectWebhook(t *testing.T) {
	a := newApp(t)
	inv := a.create(t, token(t, "p-1", "parent"))
	number := "1"
	require.EqualValues(t, 1, inv.Number)

	custom := map[string]string{redirect.InvoiceField: inv.ID}
	form := url.Values{
		"OutSum":              {"500.00"},
		"InvId":               {number},
		redirect.InvoiceField: {inv.ID},
		"SignatureValue":      {signing.ResultSignature(signing.MD5, "500.00", number, "p2", custom)},
	}
	post := func(f url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/redirect", strings.NewReader(f.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		rec := httptest.NewRecorder()
		a.e.ServeHTTP(rec, req)
		return rec
	}

	rec := post(form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "OK1", rec.Body.String())

	got, err := a.store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, got.Status)

	// redelivery is acknowledged the same way
	rec = post(form)
	assert.Equal(t, "OK1", rec.Body.String())

	form.Set("SignatureValue", "deadbeef")
	rec = post(form)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerWebhook(t *testing.T) {
	a := newApp(t)
	inv := a.create(t, token(t, "p-1", "parent"))

	body := `{"invoice":"` + inv.ID + `","op":"op-9","amount":500,"paid":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/bearer", strings.NewReader(body))
	req.Header.Set("X-Signature", "good")
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Status    string `json:"status"`
		Duplicate bool   `json:"duplicate"`
		Applied   bool   `json:"applied"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &out))
	assert.Equal(t, "paid", out.Status)
	assert.True(t, out.Applied)

	rec = a.do(http.MethodPost, "/v1/webhooks/bearer", "", `{"invoice":"`+inv.ID+`","signature":"bad","amount":500}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/v1/webhooks/bearer", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefundDeclined(t *testing.T) {
	a := newApp(t)
	parent := token(t, "p-1", "parent")
	inv := a.create(t, parent)
	staff := token(t, "s-1", "staff")

	rec := a.do(http.MethodPost, "/v1/invoices/"+inv.ID+"/refunds", staff, `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/v1/invoices/"+inv.ID+"/checkout", parent, `{"gateway":"bearer"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = a.do(http.MethodPatch, "/v1/invoices/"+inv.ID+"/status", staff, `{"status":"paid"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/v1/invoices/"+inv.ID+"/refunds", staff, `{"amount":"100"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.False(t, decode(t, rec).Success)

	rec = a.do(http.MethodGet, "/v1/refunds/rf-1?gateway=bearer", staff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"pending"`)
}

func TestDeleteInvoice(t *testing.T) {
	a := newApp(t)
	inv := a.create(t, token(t, "p-1", "parent"))

	rec := a.do(http.MethodDelete, "/v1/invoices/"+inv.ID, token(t, "s-1", "staff"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodDelete, "/v1/invoices/"+inv.ID, token(t, "p-1", "parent"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invoice deleted")

	_, err := a.store.GetInvoice(context.Background(), inv.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestHealth(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"store":"ok"}}`, rec.Body.String())

	a.down = true
	rec = a.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
