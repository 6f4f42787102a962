// Package repository persists invoices and workshop event documents.  The
// sentinel errors below are shared by the MySQL and in-memory stores so
// that the service layer can tell failure modes apart with errors.Is.
package repository

import "errors"

// ErrNotFound is returned when a requested invoice or event does not
// exist.  Handlers translate it into HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by SaveEvent when the stored document
// version no longer matches the one that was read.  Another writer got in
// between; the caller should re-read and retry.
var ErrVersionConflict = errors.New("event document version conflict")

// ErrConflict is returned when an insert collides with an existing row.
var ErrConflict = errors.New("conflict")
