/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  Every failure the engine surfaces is one of a small set of typed errors.
  Callers branch with errors.Is on the sentinels or errors.As on the
  structured types; both work because every structured error unwraps to
  its sentinel.

ERROR CATEGORIES:
  ValidationError        bad input; caller's fault, never retried
  NotFoundError          referenced job/expense/invoice does not exist
  InvalidTransitionError illegal status or payment status change
  ConflictError          optimistic lock lost (invoice changed underneath)
  PersistenceError       store call failed; propagated, not recovered

RETRIES:
  The engine never retries. Retry policy belongs to the caller.

SEE ALSO:
  - store.go: sentinels returned by store implementations
  - api/handlers.go: mapping to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPersistence       = errors.New("persistence failure")

	// ErrConcurrentModification is returned by stores when a compare-and-swap
	// update finds a different version than expected.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateInvoiceNumber is returned by stores when the unique
	// constraint on invoice numbers rejects an insert.
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes bad input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string // "job", "expense", "invoice"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError reports a state change outside the transition table.
type InvalidTransitionError struct {
	InvoiceID InvoiceID
	Axis      string // "status" or "payment_status"
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invoice %s: cannot change %s from %s to %s", e.InvoiceID, e.Axis, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a lost compare-and-swap on an invoice.
type ConflictError struct {
	InvoiceID       InvoiceID
	ExpectedVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("invoice %s was modified concurrently (expected version %d)", e.InvoiceID, e.ExpectedVersion)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// PersistenceError wraps a failed store call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// storeErr converts a store error into the engine taxonomy.
func storeErr(op, resource, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return &NotFoundError{Resource: resource, ID: id}
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if an optimistic lock was lost.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
