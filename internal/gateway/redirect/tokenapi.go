package redirect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

// tokenAttempt describes one way of posting a compact token.  The invoice
// API has historically accepted different content types, so the token is
// posted with each variant in order until one is not rejected with 415.
type tokenAttempt struct {
	name        string
	contentType string // empty: no Content-Type header at all
}

var tokenAttempts = []tokenAttempt{
	{name: "jwt", contentType: "application/jwt"},
	{name: "text", contentType: "text/plain"},
	{name: "octet-stream", contentType: "application/octet-stream"},
	{name: "bare", contentType: ""},
}

// postToken runs the content-type fallback.  A 2xx ends the loop with the
// body, 415 moves on to the next variant, any other status or a transport
// error is terminal.
func (c *Client) postToken(ctx context.Context, endpoint, op, token string) ([]byte, error) {
	var last *gateway.Error
	for _, a := range tokenAttempts {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(token))
		if err != nil {
			return nil, &gateway.Error{Gateway: gateway.KindRedirectToken, Op: op, Err: err}
		}
		if a.contentType != "" {
			req.Header.Set("Content-Type", a.contentType)
		}
		req.Header.Set("Accept", "application/json")

		code, body, err := c.send(req, op)
		if err != nil {
			return nil, err
		}
		if gateway.IsSuccess(code) {
			return body, nil
		}
		last = &gateway.Error{Gateway: gateway.KindRedirectToken, Op: op, StatusCode: code, Body: string(body)}
		if code != http.StatusUnsupportedMediaType {
			return nil, last
		}
		c.log.Debug("token api rejected content type", zap.String("op", op), zap.String("attempt", a.name))
	}
	return nil, last
}

func (c *Client) tokenKey() string { return c.cfg.MerchantLogin + ":" + c.cfg.Password1 }

func invoiceItems(inv *model.Invoice) []map[string]any {
	r := gateway.BuildReceipt(inv)
	out := make([]map[string]any, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, map[string]any{
			"Name":          it.Name,
			"Quantity":      it.Quantity,
			"Cost":          it.Sum,
			"Tax":           it.Tax,
			"PaymentMethod": it.PaymentMethod,
			"PaymentObject": it.PaymentObject,
		})
	}
	return out
}

// CreateTokenCheckout issues the invoice through the token API and returns
// the hosted invoice URL the API answers with.
func (c *Client) CreateTokenCheckout(ctx context.Context, inv *model.Invoice) (*gateway.Checkout, error) {
	if c.cfg.MerchantLogin == "" || c.cfg.Password1 == "" {
		return nil, &gateway.Error{Gateway: gateway.KindRedirectToken, Op: "checkout", Err: fmt.Errorf("merchant credentials are not configured")}
	}
	payload := map[string]any{
		"MerchantLogin":    c.cfg.MerchantLogin,
		"InvoiceType":      "OneTime",
		"Culture":          c.cfg.Culture,
		"InvId":            inv.Number,
		"OutSum":           json.Number(signing.FormatAmount(inv.Amount)),
		"Description":      c.description(inv),
		"MerchantComments": inv.Notes,
		"UserFields":       map[string]string{InvoiceField: inv.ID},
		"InvoiceItems":     invoiceItems(inv),
	}
	token, err := signing.EncodeToken(c.cfg.Algorithm, c.tokenKey(), map[string]any{"typ": "JWT"}, payload)
	if err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirectToken, Op: "checkout", Err: err}
	}
	body, err := c.postToken(ctx, c.cfg.InvoiceAPIURL, "checkout", token)
	if err != nil {
		return nil, err
	}
	link, err := parseInvoiceURL(body)
	if err != nil {
		return nil, &gateway.Error{Gateway: gateway.KindRedirectToken, Op: "checkout", Body: string(body), Err: err}
	}
	return &gateway.Checkout{
		Gateway:      gateway.KindRedirectToken,
		RedirectURL:  link,
		PaymentLabel: paymentLabel(inv),
	}, nil
}

// parseInvoiceURL accepts {"url": ...}, {"invoiceUrl": ...} or a bare URL.
func parseInvoiceURL(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty response")
	}
	if trimmed[0] != '{' {
		s := strings.Trim(string(trimmed), `"`)
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			return s, nil
		}
		return "", fmt.Errorf("unexpected response")
	}
	var out struct {
		URL          string `json:"url"`
		InvoiceURL   string `json:"invoiceUrl"`
		IsSuccess    *bool  `json:"isSuccess"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.IsSuccess != nil && !*out.IsSuccess {
		return "", fmt.Errorf("invoice rejected: %s", out.ErrorMessage)
	}
	if out.URL != "" {
		return out.URL, nil
	}
	if out.InvoiceURL != "" {
		return out.InvoiceURL, nil
	}
	return "", fmt.Errorf("response carries no invoice url")
}

// TokenAPI exposes the token-based checkout through the common Adapter
// contract.  Everything except CreateCheckout is shared with Client.
type TokenAPI struct {
	*Client
}

// CreateCheckout goes through the invoice token API.
func (t TokenAPI) CreateCheckout(ctx context.Context, inv *model.Invoice) (*gateway.Checkout, error) {
	return t.CreateTokenCheckout(ctx, inv)
}
