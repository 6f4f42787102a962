package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// SQLStore is the MySQL-backed Store.
type SQLStore struct {
	db            *sql.DB
	invoices      *InvoiceRepo
	events        *EventRepo
	registrations *RegistrationRepo
}

// NewSQLStore binds the repositories to db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:            db,
		invoices:      NewInvoiceRepo(),
		events:        NewEventRepo(),
		registrations: NewRegistrationRepo(),
	}
}

// InTx begins a transaction, runs fn and commits.  Any error from fn or
// from the commit leaves the transaction rolled back.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	return s.invoices.Get(ctx, s.db, id)
}

func (s *SQLStore) GetInvoiceByNumber(ctx context.Context, number int64) (*model.Invoice, error) {
	return s.invoices.GetByNumber(ctx, s.db, number)
}

func (s *SQLStore) ListInvoices(ctx context.Context, f InvoiceFilter) ([]model.Invoice, error) {
	return s.invoices.List(ctx, s.db, f)
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*model.WorkshopEvent, error) {
	return s.events.Get(ctx, s.db, id)
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type sqlTx struct {
	s  *SQLStore
	tx *sql.Tx
}

func (t *sqlTx) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	return t.s.invoices.Create(ctx, t.tx, inv)
}

func (t *sqlTx) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	return t.s.invoices.Get(ctx, t.tx, id)
}

func (t *sqlTx) GetInvoiceByNumber(ctx context.Context, number int64) (*model.Invoice, error) {
	return t.s.invoices.GetByNumber(ctx, t.tx, number)
}

func (t *sqlTx) UpdateInvoice(ctx context.Context, inv *model.Invoice) error {
	return t.s.invoices.Update(ctx, t.tx, inv)
}

func (t *sqlTx) DeleteInvoice(ctx context.Context, id string) error {
	return t.s.invoices.Delete(ctx, t.tx, id)
}

func (t *sqlTx) ListInvoices(ctx context.Context, f InvoiceFilter) ([]model.Invoice, error) {
	return t.s.invoices.List(ctx, t.tx, f)
}

func (t *sqlTx) GetEventForUpdate(ctx context.Context, id string) (*model.WorkshopEvent, error) {
	return t.s.events.GetForUpdate(ctx, t.tx, id)
}

func (t *sqlTx) SaveEvent(ctx context.Context, ev *model.WorkshopEvent) error {
	return t.s.events.Save(ctx, t.tx, ev)
}

func (t *sqlTx) DeleteRegistration(ctx context.Context, eventID, childID string) error {
	return t.s.registrations.Delete(ctx, t.tx, eventID, childID)
}
