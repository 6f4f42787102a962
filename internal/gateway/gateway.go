// Package gateway holds the contract shared by the payment gateway
// adapters: checkout creation, inbound signature verification, status
// polling and refunds.  Concrete adapters live in the redirect and bearer
// sub-packages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// Kind identifies a configured adapter.
type Kind string

const (
	KindRedirect      Kind = "redirect"
	KindRedirectToken Kind = "redirect-token"
	KindBearer        Kind = "bearer"
)

// Status is the normalised outcome of a gateway-side payment.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Checkout is what the payer needs to continue on the gateway side:
// either a URL to redirect to or a form to auto-submit.
type Checkout struct {
	Gateway      Kind              `json:"gateway"`
	RedirectURL  string            `json:"redirectUrl,omitempty"`
	FormAction   string            `json:"formAction,omitempty"`
	FormFields   map[string]string `json:"formFields,omitempty"`
	PaymentLabel string            `json:"paymentLabel,omitempty"`
}

// StatusResult is a normalised answer to a status poll.
type StatusResult struct {
	Status        Status          `json:"status"`
	RawState      string          `json:"rawState"`
	OperationKey  string          `json:"operationKey,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
}

// RefundRequest asks the gateway to return money for a settled operation.
// Items is optional; adapters switch to the itemised form when present.
type RefundRequest struct {
	OperationKey string
	Amount       decimal.Decimal
	Items        []model.LineItem
}

// RefundResult is the classified answer to a refund request.
type RefundResult struct {
	Success   bool         `json:"success"`
	RequestID string       `json:"requestId,omitempty"`
	Code      string       `json:"code,omitempty"`
	Reason    RefundReason `json:"reason,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// RefundState is the progress of a previously accepted refund.
type RefundState struct {
	RequestID string          `json:"requestId"`
	State     Status          `json:"state"`
	RawState  string          `json:"rawState"`
	Amount    decimal.Decimal `json:"amount"`
}

// Notification is a verified inbound payment notification.
type Notification struct {
	InvoiceID     string
	InvoiceNumber int64
	ExternalID    string
	Amount        decimal.Decimal
	Paid          bool
	PaymentMethod string
}

// Adapter is implemented by every gateway.  CheckStatus returns an error
// (never StatusFailed) when the gateway cannot be reached, so callers can
// tell "status unknown" apart from a failed payment.
type Adapter interface {
	CreateCheckout(ctx context.Context, inv *model.Invoice) (*Checkout, error)
	VerifyInboundSignature(payload map[string]string) bool
	ParseNotification(payload map[string]string) (*Notification, error)
	CheckStatus(ctx context.Context, reference string) (*StatusResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	RefundState(ctx context.Context, requestID string) (*RefundState, error)
	// Reference returns the identifier CheckStatus expects for inv.
	Reference(inv *model.Invoice) string
}

// Registry maps kinds to configured adapters.
type Registry struct {
	adapters map[Kind]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{adapters: map[Kind]Adapter{}} }

// Register adds or replaces the adapter for kind.
func (r *Registry) Register(kind Kind, a Adapter) { r.adapters[kind] = a }

// ErrUnknownGateway is returned by Get for kinds that are not configured.
var ErrUnknownGateway = errors.New("gateway: unknown or unconfigured gateway")

// Get returns the adapter for kind.
func (r *Registry) Get(kind Kind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, kind)
	}
	return a, nil
}

// Kinds lists the configured kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Error is a failed exchange with a gateway.  Body holds the raw response
// for diagnostics and must not be shown to payers.
type Error struct {
	Gateway    Kind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Gateway, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s failed", e.Gateway, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// ReadBody reads at most 1 MiB of a response body.
func ReadBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body
}

// IsSuccess reports a 2xx status code.
func IsSuccess(code int) bool { return code >= 200 && code < 300 }

// ReportedMethod cleans a payment method taken from a gateway response.
// Cash is only ever recorded by staff at the event, so a gateway claiming
// it is dropped rather than let into the cash statistics.
func ReportedMethod(method string) string {
	method = strings.TrimSpace(method)
	if strings.EqualFold(method, model.PaymentMethodCash) {
		return ""
	}
	return method
}
