// Package bearer implements the token-issuing payment gateway: an OAuth
// client-credentials token authorises JSON order, status and refund calls,
// and payers finish on a hosted checkout page built from the order id.
package bearer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

// Config holds client credentials and endpoints.
type Config struct {
	ClientID        string
	ClientSecret    string
	TokenURL        string
	APIBaseURL      string
	CheckoutBaseURL string
	WebhookSecret   string
	Algorithm       signing.Algorithm
	Currency        string
	ReturnURL       string
	Timeout         time.Duration
	// TokenMargin is how long before expiry a cached token is refreshed.
	TokenMargin time.Duration
}

// Client is the bearer gateway adapter.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *TokenCache
	log    *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New returns a Client.  The token cache is owned by the client.
func New(cfg Config, log *zap.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.TokenMargin <= 0 {
		cfg.TokenMargin = time.Minute
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = signing.SHA256
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
	for _, o := range opts {
		o(c)
	}
	c.tokens = NewTokenCache(c.fetchToken, cfg.TokenMargin, cfg.Timeout)
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return "", 0, &gateway.Error{Gateway: gateway.KindBearer, Op: "token", Err: errors.New("client credentials are not configured")}
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &gateway.Error{Gateway: gateway.KindBearer, Op: "token", Err: err}
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	code, body, err := c.send(req, "token")
	if err != nil {
		return "", 0, err
	}
	if !gateway.IsSuccess(code) {
		return "", 0, &gateway.Error{Gateway: gateway.KindBearer, Op: "token", StatusCode: code, Body: string(body)}
	}
	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		return "", 0, &gateway.Error{Gateway: gateway.KindBearer, Op: "token", Body: string(body), Err: errors.New("token response carries no access_token")}
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

func (c *Client) send(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &gateway.Error{Gateway: gateway.KindBearer, Op: op, Err: err}
	}
	defer resp.Body.Close()
	return resp.StatusCode, gateway.ReadBody(resp), nil
}

// call performs an authorised JSON request.  A 401 drops the cached token
// and the request is retried once with a fresh one.
func (c *Client) call(ctx context.Context, method, path, op string, in any) (int, []byte, error) {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, &gateway.Error{Gateway: gateway.KindBearer, Op: op, Err: err}
		}
		payload = b
	}
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, nil, err
		}
		var body *bytes.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := newRequest(ctx, method, strings.TrimRight(c.cfg.APIBaseURL, "/")+path, body)
		if err != nil {
			return 0, nil, &gateway.Error{Gateway: gateway.KindBearer, Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		code, respBody, err := c.send(req, op)
		if err != nil {
			return 0, nil, err
		}
		if code == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		return code, respBody, nil
	}
}

func newRequest(ctx context.Context, method, target string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, target, nil)
	}
	return http.NewRequestWithContext(ctx, method, target, body)
}

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func (c *Client) money(d decimal.Decimal) money {
	return money{Value: signing.FormatAmount(d), Currency: c.cfg.Currency}
}

type orderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Amount   money  `json:"amount"`
}

type orderRequest struct {
	Reference   string      `json:"reference"`
	Description string      `json:"description"`
	Amount      money       `json:"amount"`
	Items       []orderItem `json:"items"`
	ReturnURL   string      `json:"returnUrl,omitempty"`
}

type order struct {
	ID            string          `json:"id"`
	Reference     string          `json:"reference"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"paymentMethod"`
	Amount        json.RawMessage `json:"amount"`
	PaidAt        *time.Time      `json:"paidAt"`
}

// orderItems follows the fiscal receipt rule: one line per selected style
// or option, or a single line for the full amount when the items do not
// add up to it.
func (c *Client) orderItems(inv *model.Invoice) []orderItem {
	if len(inv.Items) == 0 || !model.SumItems(inv.Items).Equal(inv.Amount) {
		return []orderItem{{Name: gateway.FallbackItemName, Quantity: 1, Amount: c.money(inv.Amount)}}
	}
	out := make([]orderItem, 0, len(inv.Items))
	for _, it := range inv.Items {
		out = append(out, orderItem{Name: it.Name, Quantity: 1, Amount: c.money(it.Price)})
	}
	return out
}

// Reference is the gateway order id stored as the payment label.
func (c *Client) Reference(inv *model.Invoice) string { return inv.PaymentLabel }

// CreateCheckout registers an order and returns the hosted checkout URL.
func (c *Client) CreateCheckout(ctx context.Context, inv *model.Invoice) (*gateway.Checkout, error) {
	req := orderRequest{
		Reference:   inv.ID,
		Description: fmt.Sprintf("%s #%d", gateway.FallbackItemName, inv.Number),
		Amount:      c.money(inv.Amount),
		Items:       c.orderItems(inv),
		ReturnURL:   c.cfg.ReturnURL,
	}

	code, body, err := c.call(ctx, http.MethodPost, "/orders", "checkout", req)
	if err != nil {
		return nil, err
	}
	if !gateway.IsSuccess(code) {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "checkout", StatusCode: code, Body: string(body)}
	}
	var out order
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "checkout", Body: string(body), Err: errors.New("order response carries no id")}
	}
	return &gateway.Checkout{
		Gateway:      gateway.KindBearer,
		RedirectURL:  strings.TrimRight(c.cfg.CheckoutBaseURL, "/") + "/" + url.PathEscape(out.ID),
		PaymentLabel: out.ID,
	}, nil
}

// mapOrderStatus normalises the gateway vocabulary.  Anything unknown is
// treated as failed.
func mapOrderStatus(s string) gateway.Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAID", "COMPLETED", "SUCCEEDED", "CAPTURED":
		return gateway.StatusSuccess
	case "CREATED", "NEW", "PENDING", "PROCESSING", "AUTHORIZED", "WAITING":
		return gateway.StatusPending
	}
	return gateway.StatusFailed
}

// CheckStatus polls the order reference.
func (c *Client) CheckStatus(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	if reference == "" {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "status", Err: errors.New("no order id for invoice")}
	}
	code, body, err := c.call(ctx, http.MethodGet, "/orders/"+url.PathEscape(reference), "status", nil)
	if err != nil {
		return nil, err
	}
	if !gateway.IsSuccess(code) {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "status", StatusCode: code, Body: string(body)}
	}
	var out order
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindBearer, Op: "status", Body: string(body), Err: err}
	}
	res := &gateway.StatusResult{
		Status:        mapOrderStatus(out.Status),
		RawState:      out.Status,
		OperationKey:  out.ID,
		PaymentMethod: gateway.ReportedMethod(out.PaymentMethod),
		Amount:        parseMoney(out.Amount),
	}
	if res.Status == gateway.StatusSuccess {
		res.PaidAt = out.PaidAt
	}
	return res, nil
}

// parseMoney accepts {"value": "..."} as well as a bare number or string.
func parseMoney(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}
	var m money
	if err := json.Unmarshal(raw, &m); err == nil && m.Value != "" {
		d, _ := decimal.NewFromString(m.Value)
		return d
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err == nil {
		return d
	}
	return decimal.Zero
}
