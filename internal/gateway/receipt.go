package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// FallbackItemName labels the synthetic receipt line used when an invoice
// carries no selections.
const FallbackItemName = "Workshop participation"

// ReceiptItem is one fiscal receipt line.  Sum is rendered as a JSON
// number with two decimals.
type ReceiptItem struct {
	Name          string      `json:"name"`
	Quantity      int         `json:"quantity"`
	Sum           json.Number `json:"sum"`
	Tax           string      `json:"tax"`
	PaymentMethod string      `json:"payment_method"`
	PaymentObject string      `json:"payment_object"`
}

// Receipt is the fiscal receipt attached to a checkout.
type Receipt struct {
	Items []ReceiptItem `json:"items"`
}

// BuildReceipt produces one line per selected style or option.  When the
// invoice has no items, or the items do not add up to the amount due (group
// invoices with an explicit total), a single synthetic line for the full
// amount is used instead.
func BuildReceipt(inv *model.Invoice) Receipt {
	if len(inv.Items) == 0 || !model.SumItems(inv.Items).Equal(inv.Amount) {
		return Receipt{Items: []ReceiptItem{line(FallbackItemName, inv.Amount)}}
	}
	r := Receipt{Items: make([]ReceiptItem, 0, len(inv.Items))}
	for _, it := range inv.Items {
		r.Items = append(r.Items, line(it.Name, it.Price))
	}
	return r
}

// JSON returns the compact JSON form signed into checkout requests.
func (r Receipt) JSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}

func line(name string, sum decimal.Decimal) ReceiptItem {
	return ReceiptItem{
		Name:          name,
		Quantity:      1,
		Sum:           json.Number(sum.StringFixed(2)),
		Tax:           "none",
		PaymentMethod: "full_payment",
		PaymentObject: "service",
	}
}
