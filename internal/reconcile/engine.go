// Package reconcile keeps the participant records and statistics embedded
// in a workshop event document consistent with the invoice ledger.
//
// Every change goes through one writer-side path: the event row is read
// with a row lock, mutated in memory and written back with a version
// check.  A lost version race retries the whole transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/notify"
	"github.com/iliyamo/workshop-billing/internal/repository"
)

// ErrParticipantNotFound is returned when a reference resolves to no
// participant of the event.
var ErrParticipantNotFound = errors.New("participant not found")

// errUnchanged tells update that nothing needs to be written.
var errUnchanged = errors.New("unchanged")

// Miss is logged and published when a payment state change finds no
// participant to apply to.  It is never returned to callers.
type Miss struct {
	EventID   string
	PayerID   string
	InvoiceID string
}

func (m Miss) Error() string {
	return fmt.Sprintf("reconciliation miss: event=%s payer=%s invoice=%s", m.EventID, m.PayerID, m.InvoiceID)
}

// PaymentInfo carries optional settlement details for SyncPaymentStatus.
type PaymentInfo struct {
	Method string
	PaidAt *time.Time
}

// Result summarises a SyncPaymentStatus call.
type Result struct {
	Matched int                  `json:"matched"`
	Changed int                  `json:"changed"`
	Miss    bool                 `json:"miss"`
	Event   *model.WorkshopEvent `json:"-"`
}

// Engine applies ledger changes to event documents.
type Engine struct {
	store       repository.Store
	pub         notify.Publisher
	log         *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithMaxAttempts bounds the retries after version conflicts.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New returns an Engine.  pub may be nil.
func New(store repository.Store, pub notify.Publisher, log *zap.Logger, opts ...Option) *Engine {
	if pub == nil {
		pub = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{store: store, pub: pub, log: log, maxAttempts: 5, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// InTx runs fn in a store transaction and re-runs it from scratch when an
// event write lost a version race.
func (e *Engine) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = e.store.InTx(ctx, fn)
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		e.log.Debug("event version conflict, retrying", zap.Int("attempt", attempt))
	}
	return err
}

// update locks the event, applies fn and saves the document.  When fn
// returns errUnchanged nothing is written.
func (e *Engine) update(ctx context.Context, tx repository.Tx, eventID string, fn func(ev *model.WorkshopEvent) error) (*model.WorkshopEvent, error) {
	ev, err := tx.GetEventForUpdate(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Statistics.StylesStats == nil {
		ev.Statistics.StylesStats = map[string]int{}
	}
	if ev.Statistics.OptionsStats == nil {
		ev.Statistics.OptionsStats = map[string]int{}
	}
	if err := fn(ev); err != nil {
		if errors.Is(err, errUnchanged) {
			return ev, nil
		}
		return nil, err
	}
	if err := tx.SaveEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// mutate is update in its own retried transaction.
func (e *Engine) mutate(ctx context.Context, eventID string, fn func(tx repository.Tx, ev *model.WorkshopEvent) error) (*model.WorkshopEvent, error) {
	var out *model.WorkshopEvent
	err := e.InTx(ctx, func(tx repository.Tx) error {
		ev, err := e.update(ctx, tx, eventID, func(ev *model.WorkshopEvent) error { return fn(tx, ev) })
		out = ev
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settle rebuilds statistics when an incremental update left them
// inconsistent with the participant list.
func (e *Engine) settle(ev *model.WorkshopEvent) {
	if consistent(ev.Statistics, ev.Participants) {
		return
	}
	e.log.Warn("statistics drifted, rebuilding", zap.String("event_id", ev.ID))
	ev.Statistics = Fold(ev.Participants)
}

func (e *Engine) publish(ctx context.Context, ev notify.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn("event publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Event returns the current document.
func (e *Engine) Event(ctx context.Context, eventID string) (*model.WorkshopEvent, error) {
	return e.store.GetEvent(ctx, eventID)
}

// participantsFor projects an invoice into participant records: one for a
// single invoice, one per child for a group invoice with the amount split
// evenly.
func participantsFor(inv *model.Invoice) []model.Participant {
	base := model.Participant{
		InvoiceIDs:    []string{inv.ID},
		ParentID:      inv.PayerID,
		ParentName:    inv.PayerName,
		Styles:        inv.Selections(model.KindStyle),
		Options:       inv.Selections(model.KindOption),
		IsPaid:        inv.Status == model.StatusPaid,
		PaymentMethod: inv.PaymentMethod,
		PaymentDate:   inv.PaidAt,
		Notes:         inv.Notes,
	}
	if !inv.IsGroup() {
		p := base
		p.ID = inv.ID
		p.ChildID, p.ChildName = inv.ChildID, inv.ChildName
		if p.ChildID == "" && len(inv.Children) == 1 {
			p.ChildID, p.ChildName = inv.Children[0].ID, inv.Children[0].Name
		}
		p.TotalAmount = inv.Amount
		return []model.Participant{p}
	}
	shares := splitAmount(inv.Amount, len(inv.Children))
	out := make([]model.Participant, 0, len(inv.Children))
	for i, ch := range inv.Children {
		p := base
		p.ID = fmt.Sprintf("%s_%d", inv.ID, i)
		p.InvoiceIDs = []string{inv.ID}
		p.ChildID, p.ChildName = ch.ID, ch.Name
		p.Styles = slices.Clone(base.Styles)
		p.Options = slices.Clone(base.Options)
		p.TotalAmount = shares[i]
		p.Notes = withReference(base.Notes, inv.ID)
		out = append(out, p)
	}
	return out
}

func withReference(notes, invoiceID string) string {
	ref := model.Reference(invoiceID)
	if notes == "" {
		return ref
	}
	return notes + " " + ref
}

// AppendParticipants adds the participant records of a freshly created
// invoice inside the caller's transaction, so a failure here rolls back
// the invoice insert as well.
func (e *Engine) AppendParticipants(ctx context.Context, tx repository.Tx, inv *model.Invoice) (*model.WorkshopEvent, error) {
	return e.update(ctx, tx, inv.EventID, func(ev *model.WorkshopEvent) error {
		added := participantsFor(inv)
		ev.Participants = append(ev.Participants, added...)
		if len(added) == 1 {
			add(&ev.Statistics, added[0])
		} else {
			ev.Statistics = Fold(ev.Participants)
		}
		e.settle(ev)
		return nil
	})
}

// matchParticipants returns the indexes of the participants an invoice
// applies to.  Explicit links win; records without links fall back to the
// payer id and the notes marker.
func matchParticipants(ps []model.Participant, payerID, invoiceID string) []int {
	var out []int
	for i := range ps {
		if ps[i].LinkedTo(invoiceID) {
			out = append(out, i)
		}
	}
	if len(out) > 0 {
		return out
	}
	for i := range ps {
		p := &ps[i]
		if len(p.InvoiceIDs) > 0 {
			continue
		}
		if (payerID != "" && (p.ParentID == payerID || p.ChildID == payerID)) || p.MentionsInvoice(invoiceID) {
			out = append(out, i)
		}
	}
	return out
}

// setPayment moves p to the requested payment state and reports whether
// anything changed.
func setPayment(p *model.Participant, isPaid bool, info PaymentInfo, now time.Time) bool {
	if !isPaid {
		if !p.IsPaid && p.PaymentMethod == "" && p.PaymentDate == nil {
			return false
		}
		p.IsPaid, p.PaymentMethod, p.PaymentDate = false, "", nil
		return true
	}
	changed := !p.IsPaid
	p.IsPaid = true
	if info.Method != "" && p.PaymentMethod != info.Method {
		p.PaymentMethod = info.Method
		changed = true
	}
	if p.PaymentDate == nil {
		t := now
		if info.PaidAt != nil {
			t = *info.PaidAt
		}
		p.PaymentDate = &t
		changed = true
	}
	return changed
}

// applyPayments sets the payment state on the given participants and
// updates statistics: a delta for one changed record, a fold otherwise.
func (e *Engine) applyPayments(ev *model.WorkshopEvent, idx []int, isPaid bool, info PaymentInfo) int {
	changed := 0
	var old, cur model.Participant
	for _, i := range idx {
		p := &ev.Participants[i]
		before := *p
		if !setPayment(p, isPaid, info, e.now()) {
			continue
		}
		changed++
		old, cur = before, *p
	}
	switch changed {
	case 0:
	case 1:
		applyPaymentChange(&ev.Statistics, old, cur)
	default:
		ev.Statistics = Fold(ev.Participants)
	}
	if changed > 0 {
		e.settle(ev)
	}
	return changed
}

// SyncPaymentStatus mirrors an invoice status change onto the matching
// participants.  No matching participant is a reconciliation miss: it is
// logged and published, and the call still succeeds.
func (e *Engine) SyncPaymentStatus(ctx context.Context, eventID, payerID, invoiceID string, isPaid bool, info PaymentInfo) (*Result, error) {
	res := &Result{}
	ev, err := e.mutate(ctx, eventID, func(_ repository.Tx, ev *model.WorkshopEvent) error {
		*res = Result{}
		idx := matchParticipants(ev.Participants, payerID, invoiceID)
		res.Matched = len(idx)
		if len(idx) == 0 {
			res.Miss = true
			return errUnchanged
		}
		res.Changed = e.applyPayments(ev, idx, isPaid, info)
		if res.Changed == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Event = ev

	if res.Miss {
		miss := Miss{EventID: eventID, PayerID: payerID, InvoiceID: invoiceID}
		e.log.Warn("reconciliation miss", zap.String("event_id", eventID), zap.String("payer_id", payerID),
			zap.String("invoice_id", invoiceID), zap.Bool("is_paid", isPaid))
		e.publish(ctx, notify.Event{
			Type: notify.ReconciliationMiss, EventID: eventID, InvoiceID: invoiceID, PayerID: payerID,
			IsPaid: notify.Bool(isPaid), Message: miss.Error(),
		})
		return res, nil
	}
	if res.Changed > 0 {
		e.publish(ctx, notify.Event{
			Type: notify.ParticipantPaymentChange, EventID: eventID, InvoiceID: invoiceID, PayerID: payerID,
			IsPaid: notify.Bool(isPaid), Statistics: &ev.Statistics,
		})
	}
	return res, nil
}

// resolve finds a participant by record id, then child id, then parent id.
func resolve(ps []model.Participant, ref string) int {
	if ref == "" {
		return -1
	}
	for _, match := range []func(p *model.Participant) bool{
		func(p *model.Participant) bool { return p.ID == ref },
		func(p *model.Participant) bool { return p.ChildID == ref },
		func(p *model.Participant) bool { return p.ParentID == ref },
	} {
		for i := range ps {
			if match(&ps[i]) {
				return i
			}
		}
	}
	return -1
}

// SetPaid marks the referenced participant paid or unpaid by hand.  The
// linked invoices follow (paid or back to pending) and so does every other
// participant projected from them.
func (e *Engine) SetPaid(ctx context.Context, eventID, ref string, isPaid bool) (*model.Participant, error) {
	return e.setPaymentState(ctx, eventID, ref, isPaid, "")
}

// ConfirmCash records an in-person cash payment for the participant.
func (e *Engine) ConfirmCash(ctx context.Context, eventID, ref string) (*model.Participant, error) {
	return e.setPaymentState(ctx, eventID, ref, true, model.PaymentMethodCash)
}

func (e *Engine) setPaymentState(ctx context.Context, eventID, ref string, isPaid bool, method string) (*model.Participant, error) {
	var (
		out     model.Participant
		changed int
	)
	ev, err := e.mutate(ctx, eventID, func(tx repository.Tx, ev *model.WorkshopEvent) error {
		i := resolve(ev.Participants, ref)
		if i < 0 {
			return ErrParticipantNotFound
		}
		target := ev.Participants[i]
		now := e.now().UTC()
		info := PaymentInfo{Method: method, PaidAt: &now}

		if err := e.syncLinkedInvoices(ctx, tx, target.InvoiceIDs, isPaid, info); err != nil {
			return err
		}
		idx := []int{i}
		for j := range ev.Participants {
			if j == i {
				continue
			}
			for _, id := range target.InvoiceIDs {
				if ev.Participants[j].LinkedTo(id) {
					idx = append(idx, j)
					break
				}
			}
		}
		changed = e.applyPayments(ev, idx, isPaid, info)
		out = ev.Participants[i]
		if changed == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed > 0 {
		e.publish(ctx, notify.Event{
			Type: notify.ParticipantPaymentChange, EventID: eventID, ParticipantID: out.ID, PayerID: out.ParentID,
			IsPaid: notify.Bool(isPaid), Statistics: &ev.Statistics, Message: method,
		})
	}
	return &out, nil
}

func (e *Engine) syncLinkedInvoices(ctx context.Context, tx repository.Tx, ids []string, isPaid bool, info PaymentInfo) error {
	for _, id := range ids {
		inv, err := tx.GetInvoice(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if inv.Status == model.StatusCancelled {
			continue
		}
		if isPaid {
			if inv.Status == model.StatusPaid && (info.Method == "" || inv.PaymentMethod == info.Method) {
				continue
			}
			inv.Status = model.StatusPaid
			if info.Method != "" {
				inv.PaymentMethod = info.Method
			}
			if inv.PaidAt == nil {
				inv.PaidAt = info.PaidAt
			}
		} else {
			if inv.Status == model.StatusPending {
				continue
			}
			inv.Status, inv.PaidAt = model.StatusPending, nil
		}
		inv.UpdatedAt = e.now().UTC()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

// SetReceived flips the fulfillment flag.  Statistics are not affected.
func (e *Engine) SetReceived(ctx context.Context, eventID, ref string, received bool) (*model.Participant, error) {
	var out model.Participant
	_, err := e.mutate(ctx, eventID, func(_ repository.Tx, ev *model.WorkshopEvent) error {
		i := resolve(ev.Participants, ref)
		if i < 0 {
			return ErrParticipantNotFound
		}
		p := &ev.Participants[i]
		out = *p
		if p.HasReceived == received {
			return errUnchanged
		}
		p.HasReceived = received
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveParticipant deletes the referenced participant together with its
// invoices and its event registration, and subtracts it from the
// statistics.
func (e *Engine) RemoveParticipant(ctx context.Context, eventID, ref string) (*model.Participant, error) {
	var removed model.Participant
	ev, err := e.mutate(ctx, eventID, func(tx repository.Tx, ev *model.WorkshopEvent) error {
		i := resolve(ev.Participants, ref)
		if i < 0 {
			return ErrParticipantNotFound
		}
		removed = ev.Participants[i]

		ids := removed.InvoiceIDs
		if len(ids) == 0 {
			legacy, err := tx.ListInvoices(ctx, repository.InvoiceFilter{EventID: eventID, PayerID: removed.ParentID})
			if err != nil {
				return err
			}
			for _, inv := range legacy {
				ids = append(ids, inv.ID)
			}
		}
		for _, id := range ids {
			if err := tx.DeleteInvoice(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}
		if removed.ChildID != "" {
			if err := tx.DeleteRegistration(ctx, eventID, removed.ChildID); err != nil {
				return err
			}
		}

		ev.Participants = slices.Delete(ev.Participants, i, i+1)
		for j := range ev.Participants {
			p := &ev.Participants[j]
			p.InvoiceIDs = slices.DeleteFunc(p.InvoiceIDs, func(id string) bool { return slices.Contains(ids, id) })
		}
		subtract(&ev.Statistics, removed)
		e.settle(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, notify.Event{
		Type: notify.ParticipantRemoved, EventID: eventID, ParticipantID: removed.ID, PayerID: removed.ParentID,
		Amount: removed.TotalAmount.StringFixed(2), Statistics: &ev.Statistics,
	})
	return &removed, nil
}

// ApplyInvoiceChange pushes an edited invoice (new total and selections)
// onto its participants inside the caller's transaction and rebuilds the
// statistics.
func (e *Engine) ApplyInvoiceChange(ctx context.Context, tx repository.Tx, inv *model.Invoice) error {
	styles, options := inv.Selections(model.KindStyle), inv.Selections(model.KindOption)
	return e.reshape(ctx, tx, inv.EventID, inv.PayerID, inv.ID, inv.Amount, func(p *model.Participant) {
		p.Styles = slices.Clone(styles)
		p.Options = slices.Clone(options)
	})
}

// UpdateParticipantTotal sets the amount owed by the participants of an
// invoice, split evenly between them, and rebuilds the statistics.
func (e *Engine) UpdateParticipantTotal(ctx context.Context, tx repository.Tx, eventID, payerID, invoiceID string, total decimal.Decimal) error {
	return e.reshape(ctx, tx, eventID, payerID, invoiceID, total, nil)
}

func (e *Engine) reshape(ctx context.Context, tx repository.Tx, eventID, payerID, invoiceID string, total decimal.Decimal, fn func(p *model.Participant)) error {
	_, err := e.update(ctx, tx, eventID, func(ev *model.WorkshopEvent) error {
		idx := matchParticipants(ev.Participants, payerID, invoiceID)
		if len(idx) == 0 {
			e.log.Warn("reconciliation miss on invoice edit", zap.String("event_id", eventID), zap.String("invoice_id", invoiceID))
			return errUnchanged
		}
		shares := splitAmount(total, len(idx))
		for n, i := range idx {
			p := &ev.Participants[i]
			p.TotalAmount = shares[n]
			if fn != nil {
				fn(p)
			}
		}
		ev.Statistics = Fold(ev.Participants)
		return nil
	})
	return err
}

// DetachInvoice removes an invoice from the document inside the caller's
// transaction: participants linked only to it are dropped, others lose
// the link.  A missing event is not an error.
func (e *Engine) DetachInvoice(ctx context.Context, tx repository.Tx, invoiceID, eventID string) error {
	_, err := e.update(ctx, tx, eventID, func(ev *model.WorkshopEvent) error {
		kept := ev.Participants[:0]
		touched := false
		for _, p := range ev.Participants {
			if !p.LinkedTo(invoiceID) {
				kept = append(kept, p)
				continue
			}
			touched = true
			if len(p.InvoiceIDs) > 1 {
				p.InvoiceIDs = slices.DeleteFunc(p.InvoiceIDs, func(id string) bool { return id == invoiceID })
				kept = append(kept, p)
			}
		}
		if !touched {
			return errUnchanged
		}
		ev.Participants = kept
		ev.Statistics = Fold(ev.Participants)
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

// RebuildStatistics recomputes the statistics block from the participant
// list.  It is idempotent: a document that is already consistent is not
// rewritten.
func (e *Engine) RebuildStatistics(ctx context.Context, eventID string) (*model.WorkshopEvent, error) {
	rebuilt := false
	ev, err := e.mutate(ctx, eventID, func(_ repository.Tx, ev *model.WorkshopEvent) error {
		fresh := Fold(ev.Participants)
		rebuilt = !statsEqual(fresh, ev.Statistics)
		if !rebuilt {
			return errUnchanged
		}
		ev.Statistics = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rebuilt {
		e.publish(ctx, notify.Event{Type: notify.StatisticsRebuilt, EventID: eventID, Statistics: &ev.Statistics})
	}
	return ev, nil
}

func statsEqual(a, b model.Statistics) bool {
	return a.TotalParticipants == b.TotalParticipants &&
		a.TotalAmount.Equal(b.TotalAmount) &&
		a.PaidAmount.Equal(b.PaidAmount) &&
		a.UnpaidAmount.Equal(b.UnpaidAmount) &&
		a.CashAmount.Equal(b.CashAmount) &&
		maps.Equal(a.StylesStats, b.StylesStats) &&
		maps.Equal(a.OptionsStats, b.OptionsStats)
}
