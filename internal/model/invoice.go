package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice row.
type InvoiceStatus string

const (
	StatusPending   InvoiceStatus = "pending"
	StatusPaid      InvoiceStatus = "paid"
	StatusCancelled InvoiceStatus = "cancelled"
)

// Valid reports whether s is one of the three known statuses.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// LineItemKind tells a style selection apart from an add-on option.
type LineItemKind string

const (
	KindStyle  LineItemKind = "style"
	KindOption LineItemKind = "option"
)

// LineItem is one priced selection on an invoice.  Items are stored as a
// JSON array on the invoice row and copied into the participant record as
// plain selections (without price).
type LineItem struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Kind  LineItemKind    `json:"kind"`
}

// ChildRef names one child covered by a group invoice.
type ChildRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Invoice represents a payment request issued to a payer (parent) for one
// or more children attending a workshop event.
//
// Fields:
//
//	ID                – opaque UUID primary key.
//	Number            – sequential number assigned by the store; used as the
//	                    gateway-side invoice number.
//	EventID           – workshop event the invoice belongs to.
//	PayerID/Name      – the parent paying the invoice.
//	ChildID/Name      – the child for single invoices.
//	Amount            – total due, two decimal places.
//	Status            – pending, paid or cancelled.
//	Items             – style and option selections with prices.
//	Children          – covered children for group invoices.
//	Gateway           – gateway kind used for the last checkout.
//	PaymentLabel      – label or order id returned by the gateway.
//	PaymentMethod     – how the invoice was settled (card, cash, ...).
//	ExternalPaymentID – gateway operation id, used for refunds.
//	PaidAt            – settlement timestamp.
type Invoice struct {
	ID                string          `json:"id"`
	Number            int64           `json:"number"`
	EventID           string          `json:"eventId"`
	PayerID           string          `json:"payerId"`
	PayerName         string          `json:"payerName,omitempty"`
	ChildID           string          `json:"childId,omitempty"`
	ChildName         string          `json:"childName,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Status            InvoiceStatus   `json:"status"`
	Items             []LineItem      `json:"items"`
	Children          []ChildRef      `json:"children,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	Gateway           string          `json:"gateway,omitempty"`
	PaymentLabel      string          `json:"paymentLabel,omitempty"`
	PaymentMethod     string          `json:"paymentMethod,omitempty"`
	ExternalPaymentID string          `json:"externalPaymentId,omitempty"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// IsGroup reports whether the invoice covers more than one child.
func (inv *Invoice) IsGroup() bool { return len(inv.Children) > 1 }

// Selections returns the names and ids of the items of the given kind.
func (inv *Invoice) Selections(kind LineItemKind) []Selection {
	out := []Selection{}
	for _, it := range inv.Items {
		if it.Kind == kind {
			out = append(out, Selection{ID: it.ID, Name: it.Name})
		}
	}
	return out
}

// SumItems adds up the prices of the given line items.
func SumItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price)
	}
	return total
}

// Reference is the marker embedded into participant notes for records
// created before explicit invoice linkage existed.
func Reference(invoiceID string) string { return "invoice:" + invoiceID }
