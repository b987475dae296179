/*
Package sqlite provides a SQLite-backed implementation of the billing store
contracts.

PURPOSE:
  Implements billing.Store, billing.Sequencer and billing.AuditLog on an
  embedded SQLite database. Used for single-node deployments and for store
  tests; the PostgreSQL store mirrors the same schema.

INTERFACES IMPLEMENTED:
  billing.JobStore:     jobs table
  billing.ExpenseStore: expenses table
  billing.InvoiceStore: invoices + invoice_items tables
  billing.Sequencer:    invoice_sequences table
  billing.AuditLog:     audit_log table

KEY TABLES:
  invoices:          one row per invoice, lifecycle columns + version
  invoice_items:     ordered line items, cascade-deleted with the invoice
  invoice_sequences: per-day counter feeding invoice numbers
  audit_log:         append-only invoice events

WRITE-ONCE ENFORCEMENT:
  UpdateInvoice only sets lifecycle columns. Items are written once by
  CreateInvoice inside the same transaction as the invoice row.

CONSTRAINTS:
  - idx_invoices_number (UNIQUE): the final guard against duplicate numbers
  - version compare-and-swap in UpdateInvoice's WHERE clause

MONEY AND TIME:
  Decimals are stored as TEXT and parsed back with shopspring/decimal.
  Timestamps are fixed-width RFC3339 TEXT in UTC.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection so that
  ":memory:" databases are shared by every call.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Store implements the billing storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		customer_email TEXT NOT NULL DEFAULT '',
		customer_address TEXT NOT NULL DEFAULT '',
		driver_id TEXT NOT NULL DEFAULT '',
		vehicle_registration TEXT NOT NULL DEFAULT '',
		pickup_address TEXT NOT NULL DEFAULT '',
		delivery_address TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		scheduled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		driver_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		is_chargeable BOOLEAN NOT NULL DEFAULT FALSE,
		date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_job
		ON expenses(job_id, date);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL,
		job_id TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		customer_email TEXT NOT NULL DEFAULT '',
		customer_address TEXT NOT NULL DEFAULT '',
		subtotal TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		invoice_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid_date TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_by TEXT,
		approved_at TEXT,
		emailed_to TEXT NOT NULL DEFAULT '[]',
		emailed_at TEXT,
		printed_at TEXT,
		printed_by TEXT,
		notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_number
		ON invoices(invoice_number);
	CREATE INDEX IF NOT EXISTS idx_invoices_job
		ON invoices(job_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_payment_due
		ON invoices(payment_status, due_date);

	CREATE TABLE IF NOT EXISTS invoice_items (
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL,
		source_expense_id TEXT,
		PRIMARY KEY (invoice_id, position)
	);

	CREATE TABLE IF NOT EXISTS invoice_sequences (
		day TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_invoice
		ON audit_log(invoice_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// JOBS
// =============================================================================

// SaveJob inserts or replaces a job.
func (s *Store) SaveJob(ctx context.Context, job billing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO jobs (
			id, reference, customer_id, customer_name, customer_email, customer_address,
			driver_id, vehicle_registration, pickup_address, delivery_address,
			price, status, scheduled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Reference, job.CustomerID, job.CustomerName, job.CustomerEmail, job.CustomerAddress,
		job.DriverID, job.VehicleRegistration, job.PickupAddress, job.DeliveryAddress,
		job.Price.String(), job.Status, nullTime(job.ScheduledAt), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	return err
}

const jobColumns = `id, reference, customer_id, customer_name, customer_email, customer_address,
	driver_id, vehicle_registration, pickup_address, delivery_address,
	price, status, scheduled_at, created_at, updated_at`

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id billing.JobID) (*billing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]billing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []billing.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (billing.Job, error) {
	var j billing.Job
	var price, createdAt, updatedAt string
	var scheduledAt sql.NullString
	if err := row.Scan(
		&j.ID, &j.Reference, &j.CustomerID, &j.CustomerName, &j.CustomerEmail, &j.CustomerAddress,
		&j.DriverID, &j.VehicleRegistration, &j.PickupAddress, &j.DeliveryAddress,
		&price, &j.Status, &scheduledAt, &createdAt, &updatedAt,
	); err != nil {
		return j, err
	}
	j.Price = parseDecimal(price)
	j.ScheduledAt = parseNullTime(scheduledAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return j, nil
}

// =============================================================================
// EXPENSES
// =============================================================================

// SaveExpense inserts or replaces an expense.
func (s *Store) SaveExpense(ctx context.Context, e billing.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO expenses (
			id, job_id, driver_id, type, amount, notes, is_chargeable, date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.JobID, e.DriverID, e.Type, e.Amount.String(), e.Notes, e.IsChargeable,
		formatTime(e.Date), formatTime(e.CreatedAt),
	)
	return err
}

const expenseColumns = `id, job_id, driver_id, type, amount, notes, is_chargeable, date, created_at`

// GetExpense retrieves an expense by ID.
func (s *Store) GetExpense(ctx context.Context, id billing.ExpenseID) (*billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteExpense removes an expense. Invoice items keep their weak reference.
func (s *Store) DeleteExpense(ctx context.Context, id billing.ExpenseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ExpensesByJob returns the job's expenses ordered by date.
func (s *Store) ExpensesByJob(ctx context.Context, jobID billing.JobID) ([]billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE job_id = ? ORDER BY date, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExpense(row scanner) (billing.Expense, error) {
	var e billing.Expense
	var amount, date, createdAt string
	if err := row.Scan(&e.ID, &e.JobID, &e.DriverID, &e.Type, &amount, &e.Notes, &e.IsChargeable, &date, &createdAt); err != nil {
		return e, err
	}
	e.Amount = parseDecimal(amount)
	e.Date = parseTime(date)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// INVOICES
// =============================================================================

// CreateInvoice writes the invoice row and its items in one transaction.
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := inv.ID
	if id == "" {
		id = billing.InvoiceID(uuid.NewString())
	}
	emailedTo, err := json.Marshal(nonNil(inv.EmailedTo))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO invoices (
			id, invoice_number, job_id, customer_name, customer_email, customer_address,
			subtotal, tax_rate, tax_amount, total, currency, status, payment_status,
			invoice_date, due_date, paid_date, created_by, created_at, updated_at,
			approved_by, approved_at, emailed_to, emailed_at, printed_at, printed_by,
			notes, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		id, inv.InvoiceNumber, inv.JobID, inv.Customer.Name, inv.Customer.Email, inv.Customer.Address,
		inv.Subtotal.String(), inv.TaxRate.String(), inv.TaxAmount.String(), inv.Total.String(),
		inv.Currency, inv.Status, inv.PaymentStatus,
		formatTime(inv.InvoiceDate), formatTime(inv.DueDate), nullTime(inv.PaidDate),
		inv.CreatedBy, formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt),
		nullStringPtr(inv.ApprovedBy), nullTime(inv.ApprovedAt), string(emailedTo),
		nullTime(inv.EmailedAt), nullTime(inv.PrintedAt), nullStringPtr(inv.PrintedBy),
		inv.Notes, inv.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateInvoiceNumber
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	itemQuery := `
		INSERT INTO invoice_items (
			invoice_id, position, id, description, quantity, unit_price, amount, category, source_expense_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, it := range inv.Items {
		var source sql.NullString
		if it.SourceExpenseID != nil {
			source = sql.NullString{String: string(*it.SourceExpenseID), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, itemQuery,
			id, i, it.ID, it.Description, it.Quantity, it.UnitPrice.String(), it.Amount.String(), it.Category, source,
		); err != nil {
			return fmt.Errorf("insert invoice item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	inv.ID = id
	return nil
}

const invoiceColumns = `id, invoice_number, job_id, customer_name, customer_email, customer_address,
	subtotal, tax_rate, tax_amount, total, currency, status, payment_status,
	invoice_date, due_date, paid_date, created_by, created_at, updated_at,
	approved_by, approved_at, emailed_to, emailed_at, printed_at, printed_by,
	notes, version`

// GetInvoice retrieves an invoice with its items.
func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.Items, err = s.loadItems(ctx, inv.ID); err != nil {
		return nil, err
	}
	return &inv, nil
}

// InvoicesByJob returns every invoice of the job.
func (s *Store) InvoicesByJob(ctx context.Context, jobID billing.JobID) ([]billing.Invoice, error) {
	return s.ListInvoices(ctx, billing.InvoiceFilter{JobID: &jobID})
}

// ListInvoices returns invoices matching filter, newest first.
func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.JobID != nil {
		where = append(where, "job_id = ?")
		args = append(args, *filter.JobID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if len(filter.PaymentStatuses) > 0 {
		where = append(where, "payment_status IN ("+placeholders(len(filter.PaymentStatuses))+")")
		for _, st := range filter.PaymentStatuses {
			args = append(args, st)
		}
	}
	if filter.DueBefore != nil {
		where = append(where, "due_date < ?")
		args = append(args, formatTime(*filter.DueBefore))
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, invoice_number DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range invoices {
		if invoices[i].Items, err = s.loadItems(ctx, invoices[i].ID); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

// UpdateInvoice writes lifecycle columns if the stored version matches.
func (s *Store) UpdateInvoice(ctx context.Context, inv billing.Invoice, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emailedTo, err := json.Marshal(nonNil(inv.EmailedTo))
	if err != nil {
		return err
	}

	query := `
		UPDATE invoices SET
			status = ?, payment_status = ?, paid_date = ?, updated_at = ?,
			approved_by = ?, approved_at = ?, emailed_to = ?, emailed_at = ?,
			printed_at = ?, printed_by = ?, version = ?
		WHERE id = ? AND version = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		inv.Status, inv.PaymentStatus, nullTime(inv.PaidDate), formatTime(inv.UpdatedAt),
		nullStringPtr(inv.ApprovedBy), nullTime(inv.ApprovedAt), string(emailedTo), nullTime(inv.EmailedAt),
		nullTime(inv.PrintedAt), nullStringPtr(inv.PrintedBy), inv.Version,
		inv.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE id = ?`, inv.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return billing.ErrNotFound
	}
	return billing.ErrConcurrentModification
}

// DeleteInvoice removes an invoice; its items go with it.
func (s *Store) DeleteInvoice(ctx context.Context, id billing.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// InvoiceNumberExists checks the unique number index.
func (s *Store) InvoiceNumberExists(ctx context.Context, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE invoice_number = ?`, number).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) loadItems(ctx context.Context, id billing.InvoiceID) ([]billing.CostItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, quantity, unit_price, amount, category, source_expense_id
		FROM invoice_items WHERE invoice_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []billing.CostItem
	for rows.Next() {
		var it billing.CostItem
		var unitPrice, amount string
		var source sql.NullString
		if err := rows.Scan(&it.ID, &it.Description, &it.Quantity, &unitPrice, &amount, &it.Category, &source); err != nil {
			return nil, err
		}
		it.UnitPrice = parseDecimal(unitPrice)
		it.Amount = parseDecimal(amount)
		if source.Valid {
			src := billing.ExpenseID(source.String)
			it.SourceExpenseID = &src
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanInvoice(row scanner) (billing.Invoice, error) {
	var inv billing.Invoice
	var subtotal, taxRate, taxAmount, total string
	var invoiceDate, dueDate, createdAt, updatedAt, emailedTo string
	var paidDate, approvedBy, approvedAt, emailedAt, printedAt, printedBy sql.NullString
	if err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.JobID, &inv.Customer.Name, &inv.Customer.Email, &inv.Customer.Address,
		&subtotal, &taxRate, &taxAmount, &total, &inv.Currency, &inv.Status, &inv.PaymentStatus,
		&invoiceDate, &dueDate, &paidDate, &inv.CreatedBy, &createdAt, &updatedAt,
		&approvedBy, &approvedAt, &emailedTo, &emailedAt, &printedAt, &printedBy,
		&inv.Notes, &inv.Version,
	); err != nil {
		return inv, err
	}

	inv.Subtotal = parseDecimal(subtotal)
	inv.TaxRate = parseDecimal(taxRate)
	inv.TaxAmount = parseDecimal(taxAmount)
	inv.Total = parseDecimal(total)
	inv.InvoiceDate = parseTime(invoiceDate)
	inv.DueDate = parseTime(dueDate)
	inv.PaidDate = parseNullTime(paidDate)
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	inv.ApprovedBy = parseNullString(approvedBy)
	inv.ApprovedAt = parseNullTime(approvedAt)
	inv.EmailedAt = parseNullTime(emailedAt)
	inv.PrintedAt = parseNullTime(printedAt)
	inv.PrintedBy = parseNullString(printedBy)
	if err := json.Unmarshal([]byte(emailedTo), &inv.EmailedTo); err != nil {
		return inv, fmt.Errorf("decode emailed_to: %w", err)
	}
	if len(inv.EmailedTo) == 0 {
		inv.EmailedTo = nil
	}
	return inv, nil
}

// =============================================================================
// SEQUENCER
// =============================================================================

// Next increments and returns the counter for day.
func (s *Store) Next(ctx context.Context, day time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (day, value) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET value = invoice_sequences.value + 1
		RETURNING value
	`, day.UTC().Format("20060102")).Scan(&value)
	return value, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit records one invoice event.
func (s *Store) AppendAudit(ctx context.Context, entry billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, invoice_id, job_id, actor_id, action, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.InvoiceID, entry.JobID, entry.ActorID, entry.Action, string(payload), formatTime(entry.Timestamp))
	return err
}

// AuditTrail returns the invoice's entries oldest first.
func (s *Store) AuditTrail(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, job_id, actor_id, action, payload_json, created_at
		FROM audit_log WHERE invoice_id = ? ORDER BY created_at, rowid
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.JobID, &e.ActorID, &e.Action, &payload, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		e.Timestamp = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "invoice_items", "invoices", "invoice_sequences", "expenses", "jobs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

var (
	_ billing.Store     = (*Store)(nil)
	_ billing.Sequencer = (*Store)(nil)
	_ billing.AuditLog  = (*Store)(nil)
)

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed-width so TEXT comparisons order chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func parseNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
