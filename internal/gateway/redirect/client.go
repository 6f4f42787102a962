// Package redirect implements the redirect-form payment gateway.  Payers
// are sent to a hosted page with signed query parameters (or through the
// token-based invoice API), the gateway calls back with a signed result
// notification, and operation state is polled over an XML endpoint.
package redirect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

const (
	DefaultCheckoutURL    = "https://auth.robokassa.ru/Merchant/Index.aspx"
	DefaultInvoiceAPIURL  = "https://services.robokassa.ru/InvoiceServiceWebApi/api/CreateInvoice"
	DefaultStatusURL      = "https://auth.robokassa.ru/Merchant/WebService/Service.asmx/OpStateExt"
	DefaultRefundURL      = "https://services.robokassa.ru/RefundService/Refund/Create"
	DefaultRefundStateURL = "https://services.robokassa.ru/RefundService/Refund/GetState"

	// InvoiceField is the pass-through field carrying our invoice id.
	InvoiceField = "Shp_invoice"
)

// Config holds merchant credentials and endpoints.  Password1 signs
// checkouts, Password2 signs result notifications and status queries,
// Password3 signs refunds.
type Config struct {
	MerchantLogin  string
	Password1      string
	Password2      string
	Password3      string
	Algorithm      signing.Algorithm
	CheckoutURL    string
	InvoiceAPIURL  string
	StatusURL      string
	RefundURL      string
	RefundStateURL string
	Culture        string
	Description    string
	IsTest         bool
	Timeout        time.Duration
}

// Client is the redirect gateway adapter.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the outbound HTTP client, mostly for tests.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New returns a Client with defaults filled in for empty endpoints.
func New(cfg Config, log *zap.Logger, opts ...Option) *Client {
	if cfg.CheckoutURL == "" {
		cfg.CheckoutURL = DefaultCheckoutURL
	}
	if cfg.InvoiceAPIURL == "" {
		cfg.InvoiceAPIURL = DefaultInvoiceAPIURL
	}
	if cfg.StatusURL == "" {
		cfg.StatusURL = DefaultStatusURL
	}
	if cfg.RefundURL == "" {
		cfg.RefundURL = DefaultRefundURL
	}
	if cfg.RefundStateURL == "" {
		cfg.RefundStateURL = DefaultRefundStateURL
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = signing.MD5
	}
	if cfg.Culture == "" {
		cfg.Culture = "ru"
	}
	if cfg.Description == "" {
		cfg.Description = gateway.FallbackItemName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Reference is the gateway-side invoice number.
func (c *Client) Reference(inv *model.Invoice) string {
	return strconv.FormatInt(inv.Number, 10)
}

func (c *Client) description(inv *model.Invoice) string {
	if inv.ChildName != "" {
		return fmt.Sprintf("%s #%d (%s)", c.cfg.Description, inv.Number, inv.ChildName)
	}
	return fmt.Sprintf("%s #%d", c.cfg.Description, inv.Number)
}

func paymentLabel(inv *model.Invoice) string { return "WS-" + strconv.FormatInt(inv.Number, 10) }

// CreateCheckout builds the signed hosted-page URL and the equivalent form
// fields.  No network call is made.
func (c *Client) CreateCheckout(_ context.Context, inv *model.Invoice) (*gateway.Checkout, error) {
	if c.cfg.MerchantLogin == "" || c.cfg.Password1 == "" {
		return nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: "checkout", Err: fmt.Errorf("merchant credentials are not configured")}
	}
	number := c.Reference(inv)
	receipt := gateway.BuildReceipt(inv).JSON()
	custom := map[string]string{InvoiceField: inv.ID}

	sig := signing.CheckoutSignature(c.cfg.Algorithm, signing.CheckoutParams{
		Merchant:      c.cfg.MerchantLogin,
		Amount:        inv.Amount,
		InvoiceNumber: number,
		Receipt:       receipt,
		Secret:        c.cfg.Password1,
		Custom:        custom,
	})

	fields := map[string]string{
		"MerchantLogin":  c.cfg.MerchantLogin,
		"OutSum":         signing.FormatAmount(inv.Amount),
		"InvId":          number,
		"Description":    c.description(inv),
		"Receipt":        receipt,
		"SignatureValue": sig,
		"Culture":        c.cfg.Culture,
	}
	if c.cfg.IsTest {
		fields["IsTest"] = "1"
	}
	for k, v := range custom {
		fields[k] = v
	}

	q := url.Values{}
	for k, v := range fields {
		q.Set(k, v)
	}
	return &gateway.Checkout{
		Gateway:      gateway.KindRedirect,
		RedirectURL:  c.cfg.CheckoutURL + "?" + q.Encode(),
		FormAction:   c.cfg.CheckoutURL,
		FormFields:   fields,
		PaymentLabel: paymentLabel(inv),
	}, nil
}

// send performs req and returns status and body.  Transport failures are
// wrapped into *gateway.Error.
func (c *Client) send(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &gateway.Error{Gateway: gateway.KindRedirect, Op: op, Err: err}
	}
	defer resp.Body.Close()
	return resp.StatusCode, gateway.ReadBody(resp), nil
}

func customFieldsOf(payload map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range payload {
		if strings.HasPrefix(k, "Shp_") || strings.HasPrefix(k, "shp_") {
			out[k] = v
		}
	}
	return out
}
