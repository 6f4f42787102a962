package repository

import (
	"context"
	"time"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// InvoiceFilter narrows List results.  Empty fields are ignored; set
// fields are combined with AND.  Date matches the event's calendar day.
type InvoiceFilter struct {
	PayerID string
	EventID string
	Status  model.InvoiceStatus
	Date    *time.Time
}

// Tx is the unit of work handed to InTx callbacks.  Every method runs in
// the same database transaction.
type Tx interface {
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number int64) (*model.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *model.Invoice) error
	DeleteInvoice(ctx context.Context, id string) error
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]model.Invoice, error)

	// GetEventForUpdate reads the event document and locks its row until
	// the transaction ends.
	GetEventForUpdate(ctx context.Context, id string) (*model.WorkshopEvent, error)
	// SaveEvent writes participants and statistics if the stored version
	// still equals ev.Version, then increments ev.Version.
	SaveEvent(ctx context.Context, ev *model.WorkshopEvent) error

	DeleteRegistration(ctx context.Context, eventID, childID string) error
}

// Store is implemented by SQLStore and MemoryStore.
type Store interface {
	// InTx runs fn inside one transaction.  The transaction commits when
	// fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number int64) (*model.Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]model.Invoice, error)
	GetEvent(ctx context.Context, id string) (*model.WorkshopEvent, error)
	Ping(ctx context.Context) error
}
