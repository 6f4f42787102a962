package bearer

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

// SignedFields are the notification fields covered by the webhook MAC, in
// signing order.  ParseNotification reads nothing outside this list, so a
// field added to the notification must be added here first.
var SignedFields = []string{"orderId", "reference", "amount", "status", "paymentMethod"}

// WebhookSignature is the keyed MAC over SignedFields, in that order.  An
// absent field signs as the empty string.
func WebhookSignature(alg signing.Algorithm, secret string, payload map[string]string) string {
	fields := make([]string, len(SignedFields))
	for i, k := range SignedFields {
		fields[i] = payload[k]
	}
	return signing.HMAC(alg, secret, fields...)
}

// VerifyInboundSignature checks the "signature" field of a notification.
func (c *Client) VerifyInboundSignature(payload map[string]string) bool {
	if c.cfg.WebhookSecret == "" || payload["orderId"] == "" || payload["signature"] == "" {
		return false
	}
	return signing.Equal(WebhookSignature(c.cfg.Algorithm, c.cfg.WebhookSecret, payload), payload["signature"])
}

// ParseNotification maps a verified notification.  Only final statuses
// are reported as paid.  It only reads SignedFields.
func (c *Client) ParseNotification(payload map[string]string) (*gateway.Notification, error) {
	if payload["reference"] == "" {
		return nil, errors.New("bearer: notification carries no reference")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(payload["amount"]))
	if err != nil {
		return nil, errors.New("bearer: invalid amount")
	}
	return &gateway.Notification{
		InvoiceID:     payload["reference"],
		ExternalID:    payload["orderId"],
		Amount:        amount,
		Paid:          mapOrderStatus(payload["status"]) == gateway.StatusSuccess,
		PaymentMethod: gateway.ReportedMethod(payload["paymentMethod"]),
	}, nil
}
