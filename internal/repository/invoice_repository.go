package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx so repository methods
// can run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const invoiceColumns = `id, number, event_id, payer_id, payer_name, child_id, child_name, amount, status,
	items, children, notes, gateway, payment_label, payment_method, external_payment_id,
	paid_at, created_at, updated_at`

// InvoiceRepo provides data access to the invoices table.  Items and
// children are stored as JSON columns; amount is DECIMAL(12,2).
type InvoiceRepo struct{}

// NewInvoiceRepo returns an InvoiceRepo.
func NewInvoiceRepo() *InvoiceRepo { return &InvoiceRepo{} }

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func marshalJSON(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

// Create inserts inv and stores the generated sequential number on it.
func (r *InvoiceRepo) Create(ctx context.Context, q querier, inv *model.Invoice) error {
	items, err := marshalJSON(inv.Items, "[]")
	if err != nil {
		return err
	}
	children, err := marshalJSON(inv.Children, "[]")
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO invoices (id, event_id, payer_id, payer_name, child_id, child_name, amount, status,
			items, children, notes, gateway, payment_label, payment_method, external_payment_id,
			paid_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.EventID, inv.PayerID, inv.PayerName, inv.ChildID, inv.ChildName, inv.Amount, string(inv.Status),
		items, children, inv.Notes, inv.Gateway, inv.PaymentLabel, inv.PaymentMethod, inv.ExternalPaymentID,
		nullTime(inv.PaidAt), inv.CreatedAt.UTC(), inv.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	n, err := res.LastInsertId()
	if err != nil {
		return err
	}
	inv.Number = n
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(s rowScanner) (*model.Invoice, error) {
	var (
		inv            model.Invoice
		status         string
		items, kids    []byte
		paidAt         sql.NullTime
		payerName      sql.NullString
		childID, child sql.NullString
	)
	err := s.Scan(&inv.ID, &inv.Number, &inv.EventID, &inv.PayerID, &payerName, &childID, &child,
		&inv.Amount, &status, &items, &kids, &inv.Notes, &inv.Gateway, &inv.PaymentLabel,
		&inv.PaymentMethod, &inv.ExternalPaymentID, &paidAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = model.InvoiceStatus(status)
	inv.PayerName, inv.ChildID, inv.ChildName = payerName.String, childID.String, child.String
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	inv.Items = []model.LineItem{}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &inv.Items); err != nil {
			return nil, err
		}
	}
	if len(kids) > 0 {
		if err := json.Unmarshal(kids, &inv.Children); err != nil {
			return nil, err
		}
	}
	return &inv, nil
}

// Get loads one invoice by id.
func (r *InvoiceRepo) Get(ctx context.Context, q querier, id string) (*model.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ? LIMIT 1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// GetByNumber loads one invoice by its sequential number.
func (r *InvoiceRepo) GetByNumber(ctx context.Context, q querier, number int64) (*model.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE number = ? LIMIT 1`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// Update writes every mutable column of inv.  The DSN enables
// CLIENT_FOUND_ROWS so an unchanged row still counts as affected.
func (r *InvoiceRepo) Update(ctx context.Context, q querier, inv *model.Invoice) error {
	items, err := marshalJSON(inv.Items, "[]")
	if err != nil {
		return err
	}
	children, err := marshalJSON(inv.Children, "[]")
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE invoices SET amount = ?, status = ?, items = ?, children = ?, notes = ?, gateway = ?,
			payment_label = ?, payment_method = ?, external_payment_id = ?, paid_at = ?, updated_at = ?
		 WHERE id = ?`,
		inv.Amount, string(inv.Status), items, children, inv.Notes, inv.Gateway,
		inv.PaymentLabel, inv.PaymentMethod, inv.ExternalPaymentID, nullTime(inv.PaidAt), inv.UpdatedAt.UTC(),
		inv.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Delete removes one invoice.
func (r *InvoiceRepo) Delete(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns invoices matching every set filter field, newest first.
func (r *InvoiceRepo) List(ctx context.Context, q querier, f InvoiceFilter) ([]model.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if f.PayerID != "" {
		where = append(where, "payer_id = ?")
		args = append(args, f.PayerID)
	}
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Date != nil {
		where = append(where, "event_id IN (SELECT id FROM workshop_events WHERE DATE(starts_at) = ?)")
		args = append(args, f.Date.UTC().Format("2006-01-02"))
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, number DESC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}
