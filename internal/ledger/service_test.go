package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/gateway/redirect"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/notify"
	"github.com/iliyamo/workshop-billing/internal/reconcile"
	"github.com/iliyamo/workshop-billing/internal/repository"
)

const fakeKind gateway.Kind = "fake"

type fakeGateway struct {
	checkoutErr error
	status      *gateway.StatusResult
	statusErr   error
	refund      *gateway.RefundResult
	refunds     []gateway.RefundRequest
}

func (f *fakeGateway) CreateCheckout(_ context.Context, inv *model.Invoice) (*gateway.Checkout, error) {
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &gateway.Checkout{Gateway: fakeKind, RedirectURL: "https://pay.example/" + inv.ID, PaymentLabel: "L-" + inv.ID}, nil
}

func (f *fakeGateway) VerifyInboundSignature(p map[string]string) bool { return p["sig"] == "good" }

func (f *fakeGateway) ParseNotification(p map[string]string) (*gateway.Notification, error) {
	amount, err := decimal.NewFromString(p["amount"])
	if err != nil {
		return nil, errors.New("bad amount")
	}
	method := "card"
	if m, ok := p["method"]; ok {
		method = m
	}
	return &gateway.Notification{InvoiceID: p["invoice"], ExternalID: p["op"], Amount: amount, Paid: p["paid"] == "true", PaymentMethod: method}, nil
}

func (f *fakeGateway) CheckStatus(context.Context, string) (*gateway.StatusResult, error) {
	return f.status, f.statusErr
}

func (f *fakeGateway) CreateRefund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	f.refunds = append(f.refunds, req)
	if f.refund != nil {
		return f.refund, nil
	}
	return &gateway.RefundResult{Success: true, RequestID: "rf-1"}, nil
}

func (f *fakeGateway) RefundState(_ context.Context, id string) (*gateway.RefundState, error) {
	return &gateway.RefundState{RequestID: id, State: gateway.StatusSuccess}, nil
}

func (f *fakeGateway) Reference(inv *model.Invoice) string { return inv.PaymentLabel }

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

type memGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return false, nil
	}
	g.keys[key] = true
	return true, nil
}

func (g *memGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

type fixture struct {
	svc   *Service
	store *repository.MemoryStore
	gw    *fakeGateway
	rec   *recorder
	guard *memGuard
}

var (
	admin  = Actor{UserID: "admin-1", Role: RoleAdmin}
	staff  = Actor{UserID: "staff-1", Role: RoleStaff}
	parent = Actor{UserID: "p-1", Role: RoleParent}
)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutEvent(&model.WorkshopEvent{ID: "ev-1", Title: "Spring show"})
	f := &fixture{store: store, gw: &fakeGateway{}, rec: &recorder{}, guard: &memGuard{keys: map[string]bool{}}}
	reg := gateway.NewRegistry()
	reg.Register(fakeKind, f.gw)
	base := []Option{WithPublisher(f.rec), WithNotificationGuard(f.guard)}
	f.svc = New(store, reconcile.New(store, nil, nil), reg, append(base, opts...)...)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func items() []model.LineItem {
	return []model.LineItem{
		{ID: "s1", Name: "Jazz", Price: dec("300"), Kind: model.KindStyle},
		{ID: "o1", Name: "Costume", Price: dec("200"), Kind: model.KindOption},
	}
}

func (f *fixture) create(t *testing.T) *model.Invoice {
	t.Helper()
	res, err := f.svc.Create(context.Background(), parent, CreateInput{EventID: "ev-1", ChildID: "c-1", ChildName: "Ann", Items: items()})
	require.NoError(t, err)
	return res.Invoice
}

func (f *fixture) event(t *testing.T) *model.WorkshopEvent {
	t.Helper()
	ev, err := f.store.GetEvent(context.Background(), "ev-1")
	require.NoError(t, err)
	return ev
}

func TestCreateAppendsParticipant(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)

	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, "p-1", inv.PayerID, "parents pay for themselves")
	assert.True(t, inv.Amount.Equal(dec("500")))
	assert.Equal(t, model.StatusPending, inv.Status)

	ev := f.event(t)
	require.Len(t, ev.Participants, 1)
	assert.True(t, ev.Participants[0].TotalAmount.Equal(dec("500")))
	assert.True(t, ev.Statistics.UnpaidAmount.Equal(dec("500")))
	assert.Equal(t, 1, f.rec.count(notify.InvoiceCreated))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	bad := dec("10")
	cases := map[string]CreateInput{
		"eventId":  {PayerID: "p-1", Items: items()},
		"payerId":  {EventID: "ev-1", Items: items()},
		"amount":   {EventID: "ev-1", PayerID: "p-1"},
		"items":    {EventID: "ev-1", PayerID: "p-1", Items: []model.LineItem{{Name: "x", Price: dec("-1"), Kind: model.KindStyle}}},
		"gateway":  {EventID: "ev-1", PayerID: "p-1", Items: items(), Gateway: "nope"},
	}
	for field, in := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), staff, in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Violations, field)
		})
	}
	_, err := f.svc.Create(context.Background(), staff, CreateInput{EventID: "ev-1", PayerID: "p-1", Items: items(), Amount: &bad})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "must_equal_items_total", ve.Violations["amount"])

	list, err := f.svc.List(context.Background(), admin, ListInput{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateGroupInvoiceDefaultsToZero(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), staff, CreateInput{
		EventID: "ev-1", PayerID: "p-1",
		Children: []model.ChildRef{{ID: "c-1"}, {ID: "c-2"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Invoice.Amount.IsZero())
	assert.Len(t, f.event(t).Participants, 2)
}

func TestCreateForOtherPayerIsForbidden(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), parent, CreateInput{EventID: "ev-1", PayerID: "p-2", Items: items()})
	var pe *PermissionError
	assert.ErrorAs(t, err, &pe)
}

func TestCreateUnknownEventRollsBack(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), staff, CreateInput{EventID: "missing", PayerID: "p-1", Items: items()})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "event", nf.Resource)

	list, err := f.svc.List(context.Background(), admin, ListInput{})
	require.NoError(t, err)
	assert.Empty(t, list, "an invoice never exists without its participant")
}

func TestCreateGatewayFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.gw.checkoutErr = &gateway.Error{Gateway: fakeKind, Op: "checkout", StatusCode: 500, Body: "boom"}

	_, err := f.svc.Create(context.Background(), parent, CreateInput{EventID: "ev-1", Items: items(), Gateway: fakeKind})
	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "boom", ge.Body())

	assert.Empty(t, f.event(t).Participants)
	list, _ := f.svc.List(context.Background(), admin, ListInput{})
	assert.Empty(t, list)
	assert.Equal(t, 0, f.rec.count(notify.InvoiceCreated))
}

func TestCreateWithCheckout(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), parent, CreateInput{EventID: "ev-1", Items: items(), Gateway: fakeKind})
	require.NoError(t, err)
	require.NotNil(t, res.Checkout)
	assert.Equal(t, "https://pay.example/"+res.Invoice.ID, res.Checkout.RedirectURL)

	stored, err := f.store.GetInvoice(context.Background(), res.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, string(fakeKind), stored.Gateway)
	assert.Equal(t, "L-"+res.Invoice.ID, stored.PaymentLabel)
}

func TestListScopesParents(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	_, err := f.svc.Create(context.Background(), staff, CreateInput{EventID: "ev-1", PayerID: "p-2", Items: items()})
	require.NoError(t, err)

	mine, err := f.svc.List(context.Background(), parent, ListInput{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "p-1", mine[0].PayerID)

	all, err := f.svc.List(context.Background(), staff, ListInput{EventID: "ev-1", Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.List(context.Background(), parent, ListInput{PayerID: "p-2"})
	var pe *PermissionError
	assert.ErrorAs(t, err, &pe)

	_, err = f.svc.List(context.Background(), staff, ListInput{Status: "refunded"})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	_, err = f.svc.List(context.Background(), staff, ListInput{Date: "16/10/2026"})
	assert.ErrorAs(t, err, &ve)
}

func TestGetChecksOwnership(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)

	_, err := f.svc.Get(context.Background(), Actor{UserID: "p-9", Role: RoleParent}, inv.ID)
	var pe *PermissionError
	assert.ErrorAs(t, err, &pe)

	_, err = f.svc.Get(context.Background(), staff, "nope")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestUpdateStatusSyncsParticipants(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, parent, inv.ID, StatusInput{Status: "paid"})
	var pe *PermissionError
	require.ErrorAs(t, err, &pe)

	_, err = f.svc.UpdateStatus(ctx, staff, inv.ID, StatusInput{Status: "settled"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	got, err := f.svc.UpdateStatus(ctx, staff, inv.ID, StatusInput{Status: "paid", PaymentMethod: "card"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, got.Status)
	assert.NotNil(t, got.PaidAt)

	ev := f.event(t)
	assert.True(t, ev.Participants[0].IsPaid)
	assert.True(t, ev.Statistics.PaidAmount.Equal(dec("500")))
	assert.True(t, ev.Statistics.UnpaidAmount.IsZero())

	// same status again is a no-op
	_, err = f.svc.UpdateStatus(ctx, staff, inv.ID, StatusInput{Status: "paid"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.rec.count(notify.InvoiceStatusChanged))
	assert.True(t, f.event(t).Statistics.PaidAmount.Equal(dec("500")))

	_, err = f.svc.UpdateStatus(ctx, staff, inv.ID, StatusInput{Status: "cancelled"})
	require.NoError(t, err)
	ev = f.event(t)
	assert.False(t, ev.Participants[0].IsPaid)
	assert.True(t, ev.Statistics.UnpaidAmount.Equal(dec("500")))
}

func TestUpdateStatusKeepsStatusWhenSyncFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, WithLogger(zap.New(core)))
	ctx := context.Background()
	orphan := &model.Invoice{ID: "inv-x", EventID: "gone", PayerID: "p-1", Amount: dec("10"), Status: model.StatusPending}
	require.NoError(t, f.store.InTx(ctx, func(tx repository.Tx) error { return tx.CreateInvoice(ctx, orphan) }))

	got, err := f.svc.UpdateStatus(ctx, staff, "inv-x", StatusInput{Status: "paid"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, got.Status)

	stored, err := f.store.GetInvoice(ctx, "inv-x")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, stored.Status)
	assert.Equal(t, 1, logs.FilterMessage("participant sync failed, statistics need a rebuild").Len())
}

func TestDeletePolicy(t *testing.T) {
	for _, allow := range []bool{true, false} {
		t.Run(map[bool]string{true: "allow", false: "forbid"}[allow], func(t *testing.T) {
			f := newFixture(t, WithPolicy(Policy{AllowDeletePaid: allow}))
			ctx := context.Background()
			inv := f.create(t)
			_, err := f.svc.UpdateStatus(ctx, staff, inv.ID, StatusInput{Status: "paid"})
			require.NoError(t, err)

			err = f.svc.Delete(ctx, parent, inv.ID)
			if !allow {
				var ce *ConflictError
				require.ErrorAs(t, err, &ce)
				assert.Len(t, f.event(t).Participants, 1)
				return
			}
			require.NoError(t, err)
			_, err = f.store.GetInvoice(ctx, inv.ID)
			assert.ErrorIs(t, err, repository.ErrNotFound)
			ev := f.event(t)
			assert.Empty(t, ev.Participants)
			assert.True(t, ev.Statistics.TotalAmount.IsZero())
			assert.Equal(t, 1, f.rec.count(notify.InvoiceDeleted))
		})
	}
}

func TestDeletePermissions(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)

	err := f.svc.Delete(context.Background(), staff, inv.ID)
	var pe *PermissionError
	require.ErrorAs(t, err, &pe, "staff are neither owner nor admin")

	require.NoError(t, f.svc.Delete(context.Background(), admin, inv.ID))
}

func TestUpdateLineItemsPropagatesTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t)
	second, err := f.svc.Create(ctx, parent, CreateInput{EventID: "ev-1", ChildID: "c-2", Items: items()})
	require.NoError(t, err)
	other, err := f.svc.Create(ctx, staff, CreateInput{EventID: "ev-1", PayerID: "p-2", ChildID: "c-3", Items: items()})
	require.NoError(t, err)

	newItems := append(items(), model.LineItem{ID: "o2", Name: "Photos", Price: dec("50"), Kind: model.KindOption})
	got, err := f.svc.UpdateLineItems(ctx, parent, first.ID, newItems)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("550")))

	sib, err := f.store.GetInvoice(ctx, second.Invoice.ID)
	require.NoError(t, err)
	assert.True(t, sib.Amount.Equal(dec("550")), "sibling of the same payer follows")
	unrelated, err := f.store.GetInvoice(ctx, other.Invoice.ID)
	require.NoError(t, err)
	assert.True(t, unrelated.Amount.Equal(dec("500")))

	ev := f.event(t)
	assert.True(t, ev.Statistics.TotalAmount.Equal(dec("1600")))
	assert.Equal(t, map[string]int{"Costume": 3, "Photos": 1}, ev.Statistics.OptionsStats)

	_, err = f.svc.UpdateLineItems(ctx, parent, first.ID, nil)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestUpdateLineItemsRejectsPaidInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)
	_, err := f.svc.UpdateStatus(context.Background(), staff, inv.ID, StatusInput{Status: "paid"})
	require.NoError(t, err)

	_, err = f.svc.UpdateLineItems(context.Background(), staff, inv.ID, items()[:1])
	var ce *ConflictError
	assert.ErrorAs(t, err, &ce)
}

func notification(inv *model.Invoice) map[string]string {
	return map[string]string{"sig": "good", "invoice": inv.ID, "op": "op-1", "amount": "500.00", "paid": "true"}
}

func TestHandleNotificationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)
	ctx := context.Background()

	res, err := f.svc.HandleNotification(ctx, fakeKind, notification(inv))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "op-1", res.Invoice.ExternalPaymentID)
	first := f.event(t)
	assert.True(t, first.Statistics.PaidAmount.Equal(dec("500")))

	res, err = f.svc.HandleNotification(ctx, fakeKind, notification(inv))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	second := f.event(t)
	assert.Equal(t, first.Version, second.Version)
	assert.True(t, second.Statistics.PaidAmount.Equal(dec("500")))
	assert.Equal(t, 1, f.rec.count(notify.InvoiceStatusChanged))
}

func TestHandleNotificationGuardShortCircuits(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)
	f.guard.keys[string(fakeKind)+":"+inv.ID+":op-1"] = true

	res, err := f.svc.HandleNotification(context.Background(), fakeKind, notification(inv))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	stored, _ := f.store.GetInvoice(context.Background(), inv.ID)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestHandleNotificationRejections(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)
	ctx := context.Background()

	p := notification(inv)
	p["sig"] = "forged"
	_, err := f.svc.HandleNotification(ctx, fakeKind, p)
	var se *SignatureError
	require.ErrorAs(t, err, &se)

	p = notification(inv)
	p["amount"] = "1.00"
	_, err = f.svc.HandleNotification(ctx, fakeKind, p)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	p = notification(inv)
	p["invoice"] = "nope"
	_, err = f.svc.HandleNotification(ctx, fakeKind, p)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	stored, _ := f.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Empty(t, f.guard.keys)
}

func TestPollStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.create(t)

	_, err := f.svc.PollStatus(ctx, parent, inv.ID)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce, "no checkout yet")

	_, err = f.svc.StartCheckout(ctx, parent, inv.ID, fakeKind)
	require.NoError(t, err)

	f.gw.statusErr = &gateway.Error{Gateway: fakeKind, Op: "status", StatusCode: 503}
	_, err = f.svc.PollStatus(ctx, parent, inv.ID)
	var ge *GatewayError
	require.ErrorAs(t, err, &ge, "unreachable gateway is status unknown")
	stored, _ := f.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, model.StatusPending, stored.Status)

	f.gw.statusErr = nil
	f.gw.status = &gateway.StatusResult{Status: gateway.StatusSuccess, OperationKey: "op-9", PaymentMethod: "card"}
	got, err := f.svc.PollStatus(ctx, parent, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, got.Invoice.Status)
	assert.Equal(t, "op-9", got.Invoice.ExternalPaymentID)
	assert.True(t, f.event(t).Participants[0].IsPaid)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.create(t)

	_, err := f.svc.Refund(ctx, staff, inv.ID, RefundInput{})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)

	_, err = f.svc.StartCheckout(ctx, parent, inv.ID, fakeKind)
	require.NoError(t, err)
	_, err = f.svc.HandleNotification(ctx, fakeKind, notification(inv))
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, parent, inv.ID, RefundInput{})
	var pe *PermissionError
	require.ErrorAs(t, err, &pe)

	tooMuch := dec("900")
	_, err = f.svc.Refund(ctx, staff, inv.ID, RefundInput{Amount: &tooMuch})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	part := dec("200")
	res, err := f.svc.Refund(ctx, staff, inv.ID, RefundInput{Amount: &part, Itemised: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, f.gw.refunds, 1)
	assert.Equal(t, "op-1", f.gw.refunds[0].OperationKey)
	assert.True(t, f.gw.refunds[0].Amount.Equal(part))
	assert.Len(t, f.gw.refunds[0].Items, 2)
	assert.Equal(t, 1, f.rec.count(notify.InvoiceRefundRequested))

	st, err := f.svc.RefundState(ctx, staff, fakeKind, "rf-1")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSuccess, st.State)
}

func TestRefundDeclinedWithHTTPErrorKeepsReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"code":4,"message":"already refunded"}`))
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	store.PutEvent(&model.WorkshopEvent{ID: "ev-1", Title: "Spring show"})
	reg := gateway.NewRegistry()
	reg.Register(gateway.KindRedirect, redirect.New(redirect.Config{
		MerchantLogin: "shop", Password1: "p1", Password2: "p2", Password3: "p3", RefundURL: srv.URL,
	}, nil))
	svc := New(store, reconcile.New(store, nil, nil), reg)
	ctx := context.Background()

	created, err := svc.Create(ctx, parent, CreateInput{EventID: "ev-1", ChildID: "c-1", Items: items()})
	require.NoError(t, err)
	require.NoError(t, store.InTx(ctx, func(tx repository.Tx) error {
		inv, err := tx.GetInvoice(ctx, created.Invoice.ID)
		if err != nil {
			return err
		}
		inv.Status, inv.Gateway, inv.ExternalPaymentID = model.StatusPaid, string(gateway.KindRedirect), "op-7"
		return tx.UpdateInvoice(ctx, inv)
	}))

	res, err := svc.Refund(ctx, staff, created.Invoice.ID, RefundInput{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, gateway.ReasonAlreadyRefunded, res.Reason)
}

func TestNotificationCannotClaimCash(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t)
	payload := notification(inv)
	payload["method"] = "cash"

	res, err := f.svc.HandleNotification(context.Background(), fakeKind, payload)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.NotEqual(t, model.PaymentMethodCash, res.Invoice.PaymentMethod)

	ev := f.event(t)
	require.Len(t, ev.Participants, 1)
	assert.True(t, ev.Participants[0].IsPaid)
	assert.False(t, ev.Participants[0].IsCash())
	assert.True(t, ev.Statistics.CashAmount.IsZero())
	assert.True(t, ev.Statistics.PaidAmount.Equal(dec("500")))
}
