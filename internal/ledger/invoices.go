package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/notify"
	"github.com/iliyamo/workshop-billing/internal/reconcile"
	"github.com/iliyamo/workshop-billing/internal/repository"
)

// CreateInput is the payload of Create.  Amount is only read when no
// items are given; group invoices default to zero.
type CreateInput struct {
	EventID   string           `json:"eventId"`
	PayerID   string           `json:"payerId"`
	PayerName string           `json:"payerName"`
	ChildID   string           `json:"childId"`
	ChildName string           `json:"childName"`
	Amount    *decimal.Decimal `json:"amount"`
	Items     []model.LineItem `json:"items"`
	Children  []model.ChildRef `json:"children"`
	Notes     string           `json:"notes"`
	Gateway   gateway.Kind     `json:"gateway"`
}

// CreateResult is the created invoice and, when a gateway was requested,
// its checkout.
type CreateResult struct {
	Invoice  *model.Invoice    `json:"invoice"`
	Checkout *gateway.Checkout `json:"checkout,omitempty"`
}

func validateItems(items []model.LineItem, v Violations) {
	for _, it := range items {
		switch {
		case strings.TrimSpace(it.Name) == "":
			v["items"] = "name_required"
		case it.Price.IsNegative():
			v["items"] = "negative_price"
		case it.Kind != model.KindStyle && it.Kind != model.KindOption:
			v["items"] = "unknown_kind"
		}
	}
}

func (in *CreateInput) amount(v Violations) decimal.Decimal {
	if len(in.Items) > 0 {
		sum := model.SumItems(in.Items)
		if in.Amount != nil && !in.Amount.Equal(sum) {
			v["amount"] = "must_equal_items_total"
		}
		return sum
	}
	if in.Amount == nil {
		if len(in.Children) > 1 {
			return decimal.Zero
		}
		v["amount"] = "required"
		return decimal.Zero
	}
	if in.Amount.IsNegative() {
		v["amount"] = "must_not_be_negative"
	}
	return in.Amount.Round(2)
}

// Create validates the input and, in one transaction, inserts the invoice,
// appends its participants to the event and optionally registers a
// gateway checkout.  Any failure leaves nothing behind.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*CreateResult, error) {
	if in.PayerID == "" && actor.Role == RoleParent {
		in.PayerID = actor.UserID
	}
	v := Violations{}
	if strings.TrimSpace(in.EventID) == "" {
		v["eventId"] = "required"
	}
	if strings.TrimSpace(in.PayerID) == "" {
		v["payerId"] = "required"
	}
	validateItems(in.Items, v)
	amount := in.amount(v)
	var adapter gateway.Adapter
	if in.Gateway != "" {
		a, err := s.gateways.Get(in.Gateway)
		if err != nil {
			v["gateway"] = "unsupported"
		}
		adapter = a
	}
	if len(v) > 0 {
		return nil, &ValidationError{Msg: "invalid invoice", Violations: v}
	}
	if !actor.IsStaff() && actor.UserID != in.PayerID {
		return nil, errForbidden
	}

	now := s.now().UTC()
	inv := &model.Invoice{
		ID:        uuid.NewString(),
		EventID:   in.EventID,
		PayerID:   in.PayerID,
		PayerName: in.PayerName,
		ChildID:   in.ChildID,
		ChildName: in.ChildName,
		Amount:    amount,
		Status:    model.StatusPending,
		Items:     in.Items,
		Children:  in.Children,
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if inv.Items == nil {
		inv.Items = []model.LineItem{}
	}

	var checkout *gateway.Checkout
	err := s.engine.InTx(ctx, func(tx repository.Tx) error {
		inv.Gateway, inv.PaymentLabel, checkout = "", "", nil
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		if _, err := s.engine.AppendParticipants(ctx, tx, inv); err != nil {
			return notFound(err, "event", inv.EventID)
		}
		if adapter == nil {
			return nil
		}
		c, err := adapter.CreateCheckout(ctx, inv)
		if err != nil {
			return &GatewayError{Op: "checkout", Err: err}
		}
		checkout = c
		inv.Gateway, inv.PaymentLabel = string(in.Gateway), c.PaymentLabel
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		s.logGatewayError(err, inv.ID)
		return nil, err
	}

	s.log.Info("invoice created", zap.String("invoice_id", inv.ID), zap.Int64("number", inv.Number),
		zap.String("event_id", inv.EventID), zap.String("amount", inv.Amount.StringFixed(2)))
	s.publish(ctx, notify.Event{
		Type: notify.InvoiceCreated, EventID: inv.EventID, InvoiceID: inv.ID, PayerID: inv.PayerID,
		Status: string(inv.Status), Amount: inv.Amount.StringFixed(2),
	})
	return &CreateResult{Invoice: inv, Checkout: checkout}, nil
}

// ListInput carries the optional filters of List.  Date is YYYY-MM-DD.
type ListInput struct {
	PayerID string
	EventID string
	Status  string
	Date    string
}

// List returns the invoices matching every given filter, newest first.
// Parents only ever see their own invoices.
func (s *Service) List(ctx context.Context, actor Actor, in ListInput) ([]model.Invoice, error) {
	f := repository.InvoiceFilter{PayerID: in.PayerID, EventID: in.EventID}
	if in.Status != "" {
		st := model.InvoiceStatus(in.Status)
		if !st.Valid() {
			return nil, invalid("status", "unknown")
		}
		f.Status = st
	}
	if in.Date != "" {
		d, err := time.Parse(time.DateOnly, in.Date)
		if err != nil {
			return nil, invalid("date", "expected_yyyy_mm_dd")
		}
		f.Date = &d
	}
	if !actor.IsStaff() {
		if f.PayerID != "" && f.PayerID != actor.UserID {
			return nil, errForbidden
		}
		f.PayerID = actor.UserID
	}
	out, err := s.store.ListInvoices(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Invoice{}
	}
	return out, nil
}

// Get returns one invoice.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*model.Invoice, error) {
	return s.load(ctx, actor, id)
}

// UpdateLineItems replaces the selections of a pending invoice and
// recomputes its amount.  A changed total is pushed to the participants
// and to the sibling invoices of the same payer for the same event that
// still carried the old total.
func (s *Service) UpdateLineItems(ctx context.Context, actor Actor, id string, items []model.LineItem) (*model.Invoice, error) {
	v := Violations{}
	if len(items) == 0 {
		v["items"] = "required"
	}
	validateItems(items, v)
	if len(v) > 0 {
		return nil, &ValidationError{Msg: "invalid items", Violations: v}
	}
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}

	var out *model.Invoice
	err := s.engine.InTx(ctx, func(tx repository.Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return notFound(err, "invoice", id)
		}
		if inv.Status != model.StatusPending {
			return &ConflictError{Msg: "only pending invoices can be edited"}
		}
		prev := inv.Amount
		inv.Items = items
		inv.Amount = model.SumItems(items)
		inv.UpdatedAt = s.now().UTC()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if !prev.Equal(inv.Amount) {
			if err := s.propagateTotal(ctx, tx, inv, prev); err != nil {
				return err
			}
		}
		if inv.EventID != "" {
			if err := s.engine.ApplyInvoiceChange(ctx, tx, inv); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) propagateTotal(ctx context.Context, tx repository.Tx, inv *model.Invoice, prev decimal.Decimal) error {
	if inv.EventID == "" {
		return nil
	}
	siblings, err := tx.ListInvoices(ctx, repository.InvoiceFilter{EventID: inv.EventID, PayerID: inv.PayerID})
	if err != nil {
		return err
	}
	for i := range siblings {
		sib := &siblings[i]
		if sib.ID == inv.ID || sib.Status != model.StatusPending || !sib.Amount.Equal(prev) {
			continue
		}
		sib.Amount = inv.Amount
		sib.UpdatedAt = inv.UpdatedAt
		if err := tx.UpdateInvoice(ctx, sib); err != nil {
			return err
		}
		err := s.engine.UpdateParticipantTotal(ctx, tx, sib.EventID, sib.PayerID, sib.ID, sib.Amount)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	return nil
}

// StatusInput is the payload of UpdateStatus.
type StatusInput struct {
	Status        string `json:"status"`
	PaymentMethod string `json:"paymentMethod"`
}

// payment describes how an invoice was settled.
type payment struct {
	Method     string
	ExternalID string
	PaidAt     *time.Time
}

// UpdateStatus sets the invoice status.  The status is committed first;
// the participant projection follows in its own transaction and a failure
// there is only logged.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, id string, in StatusInput) (*model.Invoice, error) {
	st := model.InvoiceStatus(in.Status)
	if !st.Valid() {
		return nil, invalid("status", "must be pending, paid or cancelled")
	}
	if !actor.IsStaff() {
		return nil, errForbidden
	}
	inv, _, err := s.setStatus(ctx, id, st, payment{Method: in.PaymentMethod})
	return inv, err
}

// setStatus commits the status change and then synchronises the
// participants.  It reports whether the invoice row changed.
func (s *Service) setStatus(ctx context.Context, id string, st model.InvoiceStatus, p payment) (*model.Invoice, bool, error) {
	var (
		out     *model.Invoice
		changed bool
		from    model.InvoiceStatus
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return notFound(err, "invoice", id)
		}
		from = inv.Status
		changed = applyStatus(inv, st, p, s.now().UTC())
		out = inv
		if !changed {
			return nil
		}
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return nil, false, err
	}

	if out.EventID != "" {
		s.syncParticipants(ctx, out)
	}
	if changed {
		s.log.Info("invoice status changed", zap.String("invoice_id", out.ID),
			zap.String("from", string(from)), zap.String("to", string(out.Status)))
		s.publish(ctx, notify.Event{
			Type: notify.InvoiceStatusChanged, EventID: out.EventID, InvoiceID: out.ID, PayerID: out.PayerID,
			Status: string(out.Status), Amount: out.Amount.StringFixed(2),
		})
	}
	return out, changed, nil
}

func applyStatus(inv *model.Invoice, st model.InvoiceStatus, p payment, now time.Time) bool {
	changed := inv.Status != st
	inv.Status = st
	if st == model.StatusPaid {
		if inv.PaidAt == nil {
			t := now
			if p.PaidAt != nil {
				t = p.PaidAt.UTC()
			}
			inv.PaidAt = &t
			changed = true
		}
		if p.Method != "" && inv.PaymentMethod != p.Method {
			inv.PaymentMethod = p.Method
			changed = true
		}
		if p.ExternalID != "" && inv.ExternalPaymentID != p.ExternalID {
			inv.ExternalPaymentID = p.ExternalID
			changed = true
		}
	} else if inv.PaidAt != nil {
		inv.PaidAt = nil
		changed = true
	}
	if changed {
		inv.UpdatedAt = now
	}
	return changed
}

func (s *Service) syncParticipants(ctx context.Context, inv *model.Invoice) {
	_, err := s.engine.SyncPaymentStatus(ctx, inv.EventID, inv.PayerID, inv.ID, inv.Status == model.StatusPaid,
		reconcile.PaymentInfo{Method: inv.PaymentMethod, PaidAt: inv.PaidAt})
	if err != nil {
		s.log.Error("participant sync failed, statistics need a rebuild",
			zap.String("invoice_id", inv.ID), zap.String("event_id", inv.EventID), zap.Error(err))
	}
}

// Delete removes an invoice and detaches it from the event document.
// Only the payer or an admin may delete; paid invoices additionally need
// the AllowDeletePaid policy.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	inv, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if actor.Role != RoleAdmin && !actor.Owns(inv) {
		return errForbidden
	}
	if inv.Status == model.StatusPaid && !s.policy.AllowDeletePaid {
		return &ConflictError{Msg: "paid invoices cannot be deleted"}
	}
	err = s.engine.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.DeleteInvoice(ctx, id); err != nil {
			return notFound(err, "invoice", id)
		}
		if inv.EventID == "" {
			return nil
		}
		return s.engine.DetachInvoice(ctx, tx, id, inv.EventID)
	})
	if err != nil {
		return err
	}
	s.log.Info("invoice deleted", zap.String("invoice_id", id), zap.String("by", actor.UserID))
	s.publish(ctx, notify.Event{
		Type: notify.InvoiceDeleted, EventID: inv.EventID, InvoiceID: id, PayerID: inv.PayerID,
		Status: string(inv.Status), Amount: inv.Amount.StringFixed(2),
	})
	return nil
}

func (s *Service) logGatewayError(err error, invoiceID string) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		s.log.Error("gateway call failed", zap.String("op", ge.Op), zap.String("invoice_id", invoiceID),
			zap.String("body", ge.Body()), zap.Error(ge.Err))
	}
}
