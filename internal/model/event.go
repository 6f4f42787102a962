package model

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethodCash marks participants settled in person.  Cash payments
// also count towards Statistics.CashAmount.
const PaymentMethodCash = "cash"

// Selection is a style or option chosen for a participant.
type Selection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Participant is the per-child record embedded in a workshop event
// document.  It is a projection of one or more invoices: InvoiceIDs holds
// the explicit linkage, Notes may carry a legacy "invoice:<id>" marker.
type Participant struct {
	ID            string          `json:"id"`
	InvoiceIDs    []string        `json:"invoiceIds,omitempty"`
	ChildID       string          `json:"childId"`
	ChildName     string          `json:"childName,omitempty"`
	ParentID      string          `json:"parentId"`
	ParentName    string          `json:"parentName,omitempty"`
	Styles        []Selection     `json:"styles"`
	Options       []Selection     `json:"options"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	IsPaid        bool            `json:"isPaid"`
	HasReceived   bool            `json:"hasReceived"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	PaymentDate   *time.Time      `json:"paymentDate,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

// LinkedTo reports whether the participant is explicitly linked to the
// invoice.
func (p *Participant) LinkedTo(invoiceID string) bool {
	return slices.Contains(p.InvoiceIDs, invoiceID)
}

// MentionsInvoice reports whether the legacy notes marker names the
// invoice.
func (p *Participant) MentionsInvoice(invoiceID string) bool {
	return invoiceID != "" && strings.Contains(p.Notes, Reference(invoiceID))
}

// IsCash reports whether the participant was settled in cash.
func (p *Participant) IsCash() bool {
	return p.IsPaid && strings.EqualFold(p.PaymentMethod, PaymentMethodCash)
}

// Statistics is the aggregate block stored on the workshop event.  It is
// derivable from Participants; see reconcile.Fold for the canonical
// computation.
type Statistics struct {
	TotalParticipants int             `json:"totalParticipants"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	PaidAmount        decimal.Decimal `json:"paidAmount"`
	UnpaidAmount      decimal.Decimal `json:"unpaidAmount"`
	CashAmount        decimal.Decimal `json:"cashAmount"`
	StylesStats       map[string]int  `json:"stylesStats"`
	OptionsStats      map[string]int  `json:"optionsStats"`
}

// WorkshopEvent is the document owning the participant list and its
// statistics.  Version is bumped on every write and guards against lost
// updates.
type WorkshopEvent struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Date         *time.Time    `json:"date,omitempty"`
	Participants []Participant `json:"participants"`
	Statistics   Statistics    `json:"statistics"`
	Version      int64         `json:"version"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the event so callers can mutate it freely.
func (ev *WorkshopEvent) Clone() *WorkshopEvent {
	out := *ev
	if ev.Date != nil {
		d := *ev.Date
		out.Date = &d
	}
	out.Participants = make([]Participant, len(ev.Participants))
	for i, p := range ev.Participants {
		out.Participants[i] = p.clone()
	}
	out.Statistics = ev.Statistics.Clone()
	return &out
}

func (p Participant) clone() Participant {
	p.InvoiceIDs = slices.Clone(p.InvoiceIDs)
	p.Styles = slices.Clone(p.Styles)
	p.Options = slices.Clone(p.Options)
	if p.PaymentDate != nil {
		d := *p.PaymentDate
		p.PaymentDate = &d
	}
	return p
}

// Clone returns a copy of the statistics with independent maps.
func (s Statistics) Clone() Statistics {
	out := s
	out.StylesStats = make(map[string]int, len(s.StylesStats))
	for k, v := range s.StylesStats {
		out.StylesStats[k] = v
	}
	out.OptionsStats = make(map[string]int, len(s.OptionsStats))
	for k, v := range s.OptionsStats {
		out.OptionsStats[k] = v
	}
	return out
}

// Clone returns a deep copy of the invoice.
func (inv *Invoice) Clone() *Invoice {
	out := *inv
	out.Items = slices.Clone(inv.Items)
	out.Children = slices.Clone(inv.Children)
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		out.PaidAt = &t
	}
	return &out
}
