// Package notify carries domain events about invoices and participants to
// the message broker.  Publishing is fire-and-forget: a broker outage
// never fails the request that produced the event.
package notify

import (
	"time"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// Event kinds.
const (
	InvoiceCreated           = "invoice.created"
	InvoiceStatusChanged     = "invoice.status_changed"
	InvoiceDeleted           = "invoice.deleted"
	InvoiceRefundRequested   = "invoice.refund_requested"
	ParticipantPaymentChange = "participant.payment_changed"
	ParticipantRemoved       = "participant.removed"
	StatisticsRebuilt        = "statistics.rebuilt"
	ReconciliationMiss       = "reconciliation.miss"
)

// Event is the JSON payload published for every kind.  Fields that do not
// apply to a kind are left empty.
type Event struct {
	Type          string            `json:"type"`
	EventID       string            `json:"event_id,omitempty"`
	InvoiceID     string            `json:"invoice_id,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	PayerID       string            `json:"payer_id,omitempty"`
	Status        string            `json:"status,omitempty"`
	IsPaid        *bool             `json:"is_paid,omitempty"`
	Amount        string            `json:"amount,omitempty"`
	Statistics    *model.Statistics `json:"statistics,omitempty"`
	Message       string            `json:"message,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Bool returns a pointer to b for Event.IsPaid.
func Bool(b bool) *bool { return &b }
