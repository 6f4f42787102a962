package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/iliyamo/workshop-billing/internal/gateway"
)

// Violations maps a field name to a short machine-readable reason.
type Violations map[string]string

// ValidationError reports malformed or missing input.  It is returned
// before the store is touched.
type ValidationError struct {
	Violations Violations
	Msg        string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return e.Msg
	}
	keys := make([]string, 0, len(e.Violations))
	for k := range e.Violations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Violations[k])
	}
	msg := e.Msg
	if msg == "" {
		msg = "validation failed"
	}
	return msg + " (" + strings.Join(parts, ", ") + ")"
}

func invalid(field, reason string) error {
	return &ValidationError{Msg: "invalid " + field, Violations: Violations{field: reason}}
}

// NotFoundError reports a missing invoice, event or participant.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// PermissionError reports a payer or role mismatch.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string { return e.Msg }

var errForbidden = &PermissionError{Msg: "forbidden"}

// ConflictError reports a request that is well formed but not allowed in
// the current state, such as deleting a paid invoice.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// GatewayError wraps a failed exchange with a payment gateway.  The
// underlying *gateway.Error keeps the raw response body for diagnostics.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err) }

func (e *GatewayError) Unwrap() error { return e.Err }

// Body returns the raw gateway response if one was captured.
func (e *GatewayError) Body() string {
	var ge *gateway.Error
	if errors.As(e.Err, &ge) {
		return ge.Body
	}
	return ""
}

// SignatureError reports an inbound notification that failed
// verification.  Nothing in the payload has been trusted.
type SignatureError struct {
	Gateway gateway.Kind
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s notification signature mismatch", e.Gateway)
}
