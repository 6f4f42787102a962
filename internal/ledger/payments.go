package ledger

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/notify"
	"github.com/iliyamo/workshop-billing/internal/repository"
)

// StartCheckout registers the invoice with a gateway and remembers which
// gateway and label it got.
func (s *Service) StartCheckout(ctx context.Context, actor Actor, id string, kind gateway.Kind) (*gateway.Checkout, error) {
	a, err := s.adapter(kind)
	if err != nil {
		return nil, err
	}
	inv, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.StatusPending {
		return nil, &ConflictError{Msg: "invoice is not pending"}
	}
	c, err := a.CreateCheckout(ctx, inv)
	if err != nil {
		err = &GatewayError{Op: "checkout", Err: err}
		s.logGatewayError(err, id)
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return notFound(err, "invoice", id)
		}
		cur.Gateway, cur.PaymentLabel = string(kind), c.PaymentLabel
		cur.UpdatedAt = s.now().UTC()
		return tx.UpdateInvoice(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PaymentStatus is the answer to PollStatus.
type PaymentStatus struct {
	Invoice *model.Invoice        `json:"invoice"`
	Gateway *gateway.StatusResult `json:"gateway"`
}

// PollStatus asks the invoice's gateway for the payment state.  A
// successful payment not yet known to the ledger is applied.  An
// unreachable gateway is an error, never a failed payment.
func (s *Service) PollStatus(ctx context.Context, actor Actor, id string) (*PaymentStatus, error) {
	inv, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if inv.Gateway == "" {
		return nil, &ConflictError{Msg: "invoice has no gateway checkout"}
	}
	a, err := s.adapter(gateway.Kind(inv.Gateway))
	if err != nil {
		return nil, err
	}
	res, err := a.CheckStatus(ctx, a.Reference(inv))
	if err != nil {
		err = &GatewayError{Op: "status", Err: err}
		s.logGatewayError(err, id)
		return nil, err
	}
	if res.Status == gateway.StatusSuccess && inv.Status == model.StatusPending {
		inv, _, err = s.setStatus(ctx, id, model.StatusPaid, payment{
			Method: gateway.ReportedMethod(res.PaymentMethod), ExternalID: res.OperationKey, PaidAt: res.PaidAt,
		})
		if err != nil {
			return nil, err
		}
	}
	return &PaymentStatus{Invoice: inv, Gateway: res}, nil
}

// RefundInput is the payload of Refund.  A nil Amount refunds the whole
// invoice; Itemised sends the line items along.
type RefundInput struct {
	Amount   *decimal.Decimal `json:"amount"`
	Itemised bool             `json:"itemised"`
}

// Refund asks the gateway that settled the invoice to return money.  A
// refund the gateway declines is returned as a result with Success=false
// and a classified reason.
func (s *Service) Refund(ctx context.Context, actor Actor, id string, in RefundInput) (*gateway.RefundResult, error) {
	if !actor.IsStaff() {
		return nil, errForbidden
	}
	inv, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.StatusPaid || inv.Gateway == "" {
		return nil, &ConflictError{Msg: "only invoices paid through a gateway can be refunded"}
	}
	amount := inv.Amount
	if in.Amount != nil {
		amount = in.Amount.Round(2)
	}
	switch {
	case !amount.IsPositive():
		return nil, invalid("amount", "must_be_positive")
	case amount.GreaterThan(inv.Amount):
		return nil, invalid("amount", "exceeds_invoice_total")
	}
	a, err := s.adapter(gateway.Kind(inv.Gateway))
	if err != nil {
		return nil, err
	}
	req := gateway.RefundRequest{OperationKey: inv.ExternalPaymentID, Amount: amount}
	if req.OperationKey == "" {
		req.OperationKey = a.Reference(inv)
	}
	if in.Itemised {
		req.Items = inv.Items
	}
	res, err := a.CreateRefund(ctx, req)
	if err != nil {
		gerr := &GatewayError{Op: "refund", Err: err}
		s.logGatewayError(gerr, id)
		// A classified decline is an answer, not a transport failure.
		if res == nil {
			return nil, gerr
		}
		res.Success = false
	}
	s.log.Info("refund requested", zap.String("invoice_id", id), zap.String("amount", amount.StringFixed(2)),
		zap.Bool("accepted", res.Success), zap.String("reason", string(res.Reason)))
	msg := res.RequestID
	if !res.Success {
		msg = string(res.Reason)
	}
	s.publish(ctx, notify.Event{
		Type: notify.InvoiceRefundRequested, EventID: inv.EventID, InvoiceID: id, PayerID: inv.PayerID,
		Amount: amount.StringFixed(2), Message: msg,
	})
	return res, nil
}

// RefundState polls a refund accepted earlier.
func (s *Service) RefundState(ctx context.Context, actor Actor, kind gateway.Kind, requestID string) (*gateway.RefundState, error) {
	if !actor.IsStaff() {
		return nil, errForbidden
	}
	if requestID == "" {
		return nil, invalid("requestId", "required")
	}
	a, err := s.adapter(kind)
	if err != nil {
		return nil, err
	}
	st, err := a.RefundState(ctx, requestID)
	if err != nil {
		err = &GatewayError{Op: "refund_state", Err: err}
		s.logGatewayError(err, "")
		return nil, err
	}
	return st, nil
}

// NotificationResult tells the webhook handler what happened.
type NotificationResult struct {
	Invoice      *model.Invoice
	Notification *gateway.Notification
	// Duplicate is set when the payment was already recorded.
	Duplicate bool
	// Applied is set when this delivery marked the invoice paid.
	Applied bool
}

// HandleNotification verifies and applies an inbound gateway
// notification.  Re-deliveries are acknowledged without crediting twice.
func (s *Service) HandleNotification(ctx context.Context, kind gateway.Kind, payload map[string]string) (*NotificationResult, error) {
	a, err := s.adapter(kind)
	if err != nil {
		return nil, err
	}
	if !a.VerifyInboundSignature(payload) {
		s.log.Warn("rejected gateway notification", zap.String("gateway", string(kind)), zap.Any("payload", payload))
		return nil, &SignatureError{Gateway: kind}
	}
	n, err := a.ParseNotification(payload)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	var inv *model.Invoice
	if n.InvoiceID != "" {
		inv, err = s.store.GetInvoice(ctx, n.InvoiceID)
		err = notFound(err, "invoice", n.InvoiceID)
	} else {
		inv, err = s.store.GetInvoiceByNumber(ctx, n.InvoiceNumber)
		err = notFound(err, "invoice", strconv.FormatInt(n.InvoiceNumber, 10))
	}
	if err != nil {
		return nil, err
	}
	res := &NotificationResult{Invoice: inv, Notification: n}
	if n.InvoiceNumber != 0 && inv.Number != n.InvoiceNumber {
		return nil, invalid("InvId", "does_not_match_invoice")
	}
	if !n.Amount.IsZero() && !n.Amount.Equal(inv.Amount) {
		s.log.Warn("notification amount mismatch", zap.String("invoice_id", inv.ID),
			zap.String("expected", inv.Amount.StringFixed(2)), zap.String("got", n.Amount.StringFixed(2)))
		return nil, invalid("amount", "does_not_match_invoice")
	}
	if !n.Paid {
		return res, nil
	}
	if inv.Status == model.StatusPaid {
		res.Duplicate = true
		return res, nil
	}

	key := string(kind) + ":" + inv.ID + ":" + n.ExternalID
	claimed, err := s.guard.Claim(ctx, key)
	if err != nil {
		s.log.Warn("notification guard unavailable", zap.Error(err))
		claimed = true
	}
	if !claimed {
		res.Duplicate = true
		return res, nil
	}
	updated, changed, err := s.setStatus(ctx, inv.ID, model.StatusPaid, payment{
		Method: gateway.ReportedMethod(n.PaymentMethod), ExternalID: n.ExternalID,
	})
	if err != nil {
		if rerr := s.guard.Release(ctx, key); rerr != nil {
			s.log.Warn("notification guard release failed", zap.Error(rerr))
		}
		return nil, err
	}
	res.Invoice, res.Applied = updated, changed
	return res, nil
}
