package redirect

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/signing"
)

// VerifyInboundSignature recomputes the result signature over the amount
// and invoice number exactly as received, Password2 and the sorted
// pass-through fields.
func (c *Client) VerifyInboundSignature(payload map[string]string) bool {
	amount, number, sig := payload["OutSum"], payload["InvId"], payload["SignatureValue"]
	if amount == "" || number == "" || sig == "" || c.cfg.Password2 == "" {
		return false
	}
	want := signing.ResultSignature(c.cfg.Algorithm, amount, number, c.cfg.Password2, customFieldsOf(payload))
	return signing.Equal(want, sig)
}

// ParseNotification extracts the payment facts from a verified result
// notification.  The gateway only calls the result URL for completed
// payments.  PaymentMethod and IncCurrLabel are outside the signature and
// only ever used as a display label.
func (c *Client) ParseNotification(payload map[string]string) (*gateway.Notification, error) {
	amount, err := decimal.NewFromString(payload["OutSum"])
	if err != nil {
		return nil, fmt.Errorf("redirect: invalid OutSum %q", payload["OutSum"])
	}
	number, err := strconv.ParseInt(payload["InvId"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redirect: invalid InvId %q", payload["InvId"])
	}
	method := payload["PaymentMethod"]
	if method == "" {
		method = payload["IncCurrLabel"]
	}
	external := payload["OpKey"]
	if external == "" {
		external = payload["InvId"]
	}
	return &gateway.Notification{
		InvoiceID:     payload[InvoiceField],
		InvoiceNumber: number,
		ExternalID:    external,
		Amount:        amount,
		Paid:          true,
		PaymentMethod: gateway.ReportedMethod(method),
	}, nil
}
