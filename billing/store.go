/*
store.go - Persistence contracts for the billing engine

PURPOSE:
  Defines the interface between the domain logic and whatever document or
  relational store holds jobs, expenses and invoices. The engine calls these
  per operation and holds no cache of its own.

KEY INTERFACES:
  JobStore:     read/write jobs (thin CRUD, owned by the jobs workflow)
  ExpenseStore: read/write driver expenses
  InvoiceStore: create (atomic), read, lifecycle update (compare-and-swap),
                delete, number uniqueness check
  Sequencer:    per-day monotonic counter feeding invoice numbers
  AuditLog:     append-only trail of invoice events

STORE ERRORS:
  Implementations return these sentinels (possibly wrapped):
  - ErrNotFound:               record does not exist
  - ErrConcurrentModification: UpdateInvoice version mismatch
  - ErrDuplicateInvoiceNumber: CreateInvoice unique constraint violation

WRITE-ONCE FIELDS:
  UpdateInvoice writes lifecycle fields only (status, payment status, paid
  date, approval/email/print stamps, updated_at, version). JobID, items,
  number and invoice date are never rewritten after CreateInvoice.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go:  embedded SQLite
  - store/postgres:          PostgreSQL via pgx, goose migrations
  - store/rediskv:           Redis-backed Sequencer

SEE ALSO:
  - errors.go: how store errors become engine errors
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// RECORD STORES
// =============================================================================

type JobStore interface {
	GetJob(ctx context.Context, id JobID) (*Job, error)
	SaveJob(ctx context.Context, job Job) error
	ListJobs(ctx context.Context) ([]Job, error)
}

type ExpenseStore interface {
	GetExpense(ctx context.Context, id ExpenseID) (*Expense, error)
	SaveExpense(ctx context.Context, expense Expense) error
	DeleteExpense(ctx context.Context, id ExpenseID) error

	// ExpensesByJob returns every expense referencing the job.
	ExpensesByJob(ctx context.Context, jobID JobID) ([]Expense, error)
}

type InvoiceStore interface {
	// CreateInvoice persists the invoice and its items atomically and assigns
	// inv.ID when empty. Nothing is written on error.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// InvoicesByJob returns the job's invoices in no guaranteed order.
	InvoicesByJob(ctx context.Context, jobID JobID) ([]Invoice, error)

	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	// UpdateInvoice writes lifecycle fields when the stored version equals
	// expectedVersion, else returns ErrConcurrentModification.
	UpdateInvoice(ctx context.Context, inv Invoice, expectedVersion int) error

	DeleteInvoice(ctx context.Context, id InvoiceID) error

	InvoiceNumberExists(ctx context.Context, number string) (bool, error)
}

// Store is the full repository the engine runs on.
type Store interface {
	JobStore
	ExpenseStore
	InvoiceStore
}

// =============================================================================
// SEQUENCER - Invoice number suffixes
// =============================================================================

// Sequencer hands out strictly increasing numbers per calendar day.
// Implementations must be safe for concurrent use.
type Sequencer interface {
	Next(ctx context.Context, day time.Time) (int64, error)
}

// =============================================================================
// AUDIT LOG - Who did what to which invoice, append-only
// =============================================================================

type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    EventType
	InvoiceID InvoiceID
	JobID     JobID
	Payload   map[string]any
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditTrail(ctx context.Context, invoiceID InvoiceID) ([]AuditEntry, error)
}
