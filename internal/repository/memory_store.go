package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// MemoryStore keeps everything in process memory.  It backs
// STORE_DRIVER=memory for local runs and the service tests.  Transactions
// are serialised by a mutex and work on a copy of the state that replaces
// the live state only when the callback succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	invoices      map[string]*model.Invoice
	events        map[string]*model.WorkshopEvent
	registrations map[string]bool
	seq           int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		invoices:      map[string]*model.Invoice{},
		events:        map[string]*model.WorkshopEvent{},
		registrations: map[string]bool{},
	}}
}

func (st *memState) clone() *memState {
	out := &memState{
		invoices:      make(map[string]*model.Invoice, len(st.invoices)),
		events:        make(map[string]*model.WorkshopEvent, len(st.events)),
		registrations: make(map[string]bool, len(st.registrations)),
		seq:           st.seq,
	}
	for k, v := range st.invoices {
		out.invoices[k] = v.Clone()
	}
	for k, v := range st.events {
		out.events[k] = v.Clone()
	}
	for k, v := range st.registrations {
		out.registrations[k] = v
	}
	return out
}

func registrationKey(eventID, childID string) string { return eventID + "/" + childID }

// PutEvent inserts or replaces an event document.  Events are created by
// the catalog service in production; this is for local runs and tests.
func (s *MemoryStore) PutEvent(ev *model.WorkshopEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := ev.Clone()
	if c.Participants == nil {
		c.Participants = []model.Participant{}
	}
	if c.Statistics.StylesStats == nil {
		c.Statistics.StylesStats = map[string]int{}
	}
	if c.Statistics.OptionsStats == nil {
		c.Statistics.OptionsStats = map[string]int{}
	}
	s.state.events[c.ID] = c
}

// PutRegistration records a (event, child) registration.
func (s *MemoryStore) PutRegistration(eventID, childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.registrations[registrationKey(eventID, childID)] = true
}

// HasRegistration reports whether the registration exists.
func (s *MemoryStore) HasRegistration(eventID, childID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.registrations[registrationKey(eventID, childID)]
}

// InTx runs fn against a private copy of the state.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// read runs fn against the live state without copying.
func (s *MemoryStore) read(fn func(tx *memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{st: s.state})
}

func (s *MemoryStore) GetInvoice(ctx context.Context, id string) (inv *model.Invoice, err error) {
	err = s.read(func(tx *memTx) error { inv, err = tx.GetInvoice(ctx, id); return err })
	return inv, err
}

func (s *MemoryStore) GetInvoiceByNumber(ctx context.Context, number int64) (inv *model.Invoice, err error) {
	err = s.read(func(tx *memTx) error { inv, err = tx.GetInvoiceByNumber(ctx, number); return err })
	return inv, err
}

func (s *MemoryStore) ListInvoices(ctx context.Context, f InvoiceFilter) (out []model.Invoice, err error) {
	err = s.read(func(tx *memTx) error { out, err = tx.ListInvoices(ctx, f); return err })
	return out, err
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (ev *model.WorkshopEvent, err error) {
	err = s.read(func(tx *memTx) error { ev, err = tx.GetEventForUpdate(ctx, id); return err })
	return ev, err
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

type memTx struct{ st *memState }

func (t *memTx) CreateInvoice(_ context.Context, inv *model.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; ok {
		return ErrConflict
	}
	t.st.seq++
	inv.Number = t.st.seq
	t.st.invoices[inv.ID] = inv.Clone()
	return nil
}

func (t *memTx) GetInvoice(_ context.Context, id string) (*model.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inv.Clone(), nil
}

func (t *memTx) GetInvoiceByNumber(_ context.Context, number int64) (*model.Invoice, error) {
	for _, inv := range t.st.invoices {
		if inv.Number == number {
			return inv.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateInvoice(_ context.Context, inv *model.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; !ok {
		return ErrNotFound
	}
	t.st.invoices[inv.ID] = inv.Clone()
	return nil
}

func (t *memTx) DeleteInvoice(_ context.Context, id string) error {
	if _, ok := t.st.invoices[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.invoices, id)
	return nil
}

func (t *memTx) ListInvoices(_ context.Context, f InvoiceFilter) ([]model.Invoice, error) {
	out := []model.Invoice{}
	for _, inv := range t.st.invoices {
		if f.PayerID != "" && inv.PayerID != f.PayerID {
			continue
		}
		if f.EventID != "" && inv.EventID != f.EventID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.Date != nil {
			ev, ok := t.st.events[inv.EventID]
			if !ok || ev.Date == nil || ev.Date.UTC().Format("2006-01-02") != f.Date.UTC().Format("2006-01-02") {
				continue
			}
		}
		out = append(out, *inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (t *memTx) GetEventForUpdate(_ context.Context, id string) (*model.WorkshopEvent, error) {
	ev, ok := t.st.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev.Clone(), nil
}

func (t *memTx) SaveEvent(_ context.Context, ev *model.WorkshopEvent) error {
	cur, ok := t.st.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != ev.Version {
		return ErrVersionConflict
	}
	ev.Version++
	t.st.events[ev.ID] = ev.Clone()
	return nil
}

func (t *memTx) DeleteRegistration(_ context.Context, eventID, childID string) error {
	delete(t.st.registrations, registrationKey(eventID, childID))
	return nil
}
