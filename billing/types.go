/*
Package billing provides the billing and invoice reconciliation engine.

PURPOSE:
  Jobs (vehicle movements) accrue costs: a base price, driver expenses and
  ad-hoc additional costs. This package turns those costs into immutable
  invoices, drives each invoice through its document and payment lifecycle,
  and derives the billing status of a job from the current state of the
  jobs, expenses and invoices collections.

KEY CONCEPTS IN THIS FILE (types.go):
  - Job, Expense: the records the engine reads (owned by other workflows)
  - Invoice: the persisted, write-once billing document
  - InvoiceStatus / PaymentStatus: two independent lifecycle axes
  - JobBilling: a derived view, recomputed on every read
  - Policy: tax rate, payment terms and currency

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, never a float64
  2. Immutability: jobID, items, number and invoice date are write-once
  3. Derivation: billing status is computed, never stored
  4. Type safety: distinct ID types for jobs, expenses, invoices and items

SEE ALSO:
  - costitem.go: normalisation of expenses and manual entries
  - aggregator.go: invoice creation
  - lifecycle.go: status transitions
  - reconciler.go: job billing view
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type JobID string
type ExpenseID string
type InvoiceID string
type ItemID string

// =============================================================================
// MONEY
// =============================================================================

// Money is an exact decimal amount in the invoice currency.
type Money = decimal.Decimal

// ParseMoney parses a decimal string such as "19.99".
func ParseMoney(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustParseMoney parses s and returns zero on malformed input.
func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// SumMoney adds amounts exactly.
func SumMoney(amounts ...Money) Money {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// JOBS
// =============================================================================

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobAssigned, JobInProgress, JobCompleted, JobCancelled:
		return true
	}
	return false
}

// Job is a scheduled vehicle movement. Billing reads it, never writes it.
type Job struct {
	ID                  JobID
	Reference           string
	CustomerID          string
	CustomerName        string
	CustomerEmail       string
	CustomerAddress     string
	DriverID            string
	VehicleRegistration string
	PickupAddress       string
	DeliveryAddress     string

	// Base price agreed with the customer for the movement
	Price Money

	Status      JobStatus
	ScheduledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Customer returns the job's current customer identity.
func (j Job) Customer() CustomerInfo {
	return CustomerInfo{
		Name:    j.CustomerName,
		Email:   j.CustomerEmail,
		Address: j.CustomerAddress,
	}
}

// =============================================================================
// EXPENSES
// =============================================================================

// ExpenseType is the driver-facing expense kind. Unknown values are kept
// verbatim and bill as category "other".
type ExpenseType string

const (
	ExpenseFuel    ExpenseType = "fuel"
	ExpenseToll    ExpenseType = "toll"
	ExpenseCarWash ExpenseType = "car_wash"
	ExpenseVacuum  ExpenseType = "vacuum"
	ExpenseParking ExpenseType = "parking"
	ExpenseTrain   ExpenseType = "train"
	ExpenseBus     ExpenseType = "bus"
	ExpenseTaxi    ExpenseType = "taxi"
	ExpenseOther   ExpenseType = "other"
)

// Expense is a driver-submitted cost against a job.
type Expense struct {
	ID           ExpenseID
	JobID        JobID
	DriverID     string
	Type         ExpenseType
	Amount       Money
	Notes        string
	IsChargeable bool
	Date         time.Time
	CreatedAt    time.Time
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceStatus is the document lifecycle axis.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusPending   InvoiceStatus = "pending"
	StatusApproved  InvoiceStatus = "approved"
	StatusSent      InvoiceStatus = "sent"
	StatusCancelled InvoiceStatus = "cancelled"
)

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// PaymentStatus is the payment axis, independent of InvoiceStatus.
type PaymentStatus string

const (
	PaymentOutstanding PaymentStatus = "outstanding"
	PaymentPartial     PaymentStatus = "partial"
	PaymentPaid        PaymentStatus = "paid"
	PaymentOverdue     PaymentStatus = "overdue"
	PaymentCancelled   PaymentStatus = "cancelled"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// CustomerInfo is a point-in-time snapshot of the billed customer.
// It is copied into the invoice and never synced with later edits.
type CustomerInfo struct {
	Name    string
	Email   string
	Address string
}

// Invoice is the persisted billing document.
//
// INVARIANTS:
//   - Subtotal == sum(Items[].Amount)
//   - TaxAmount == Subtotal * TaxRate (exact)
//   - Total == Subtotal + TaxAmount
//   - JobID, Items, InvoiceNumber, InvoiceDate are write-once
//   - Status and PaymentStatus change only through Lifecycle
type Invoice struct {
	ID            InvoiceID
	InvoiceNumber string
	JobID         JobID
	Customer      CustomerInfo
	Items         []CostItem

	Subtotal  Money
	TaxRate   decimal.Decimal
	TaxAmount Money
	Total     Money
	Currency  string

	Status        InvoiceStatus
	PaymentStatus PaymentStatus

	InvoiceDate time.Time
	DueDate     time.Time
	PaidDate    *time.Time

	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedBy *string
	ApprovedAt *time.Time
	EmailedTo  []string
	EmailedAt  *time.Time
	PrintedAt  *time.Time
	PrintedBy  *string

	Notes string

	// Version is bumped on every lifecycle write and used for compare-and-swap.
	Version int
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (inv Invoice) Clone() Invoice {
	out := inv
	out.Items = append([]CostItem(nil), inv.Items...)
	out.EmailedTo = append([]string(nil), inv.EmailedTo...)
	out.PaidDate = cloneTime(inv.PaidDate)
	out.ApprovedAt = cloneTime(inv.ApprovedAt)
	out.EmailedAt = cloneTime(inv.EmailedAt)
	out.PrintedAt = cloneTime(inv.PrintedAt)
	out.ApprovedBy = cloneString(inv.ApprovedBy)
	out.PrintedBy = cloneString(inv.PrintedBy)
	for i := range out.Items {
		out.Items[i].SourceExpenseID = cloneExpenseID(inv.Items[i].SourceExpenseID)
	}
	return out
}

// InvoiceFilter narrows ListInvoices. Zero values match everything.
type InvoiceFilter struct {
	JobID           *JobID
	Statuses        []InvoiceStatus
	PaymentStatuses []PaymentStatus
	DueBefore       *time.Time
	Limit           int
}

// Matches reports whether inv passes the filter (used by in-memory stores).
func (f InvoiceFilter) Matches(inv Invoice) bool {
	if f.JobID != nil && inv.JobID != *f.JobID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, inv.Status) {
		return false
	}
	if len(f.PaymentStatuses) > 0 && !containsPaymentStatus(f.PaymentStatuses, inv.PaymentStatus) {
		return false
	}
	if f.DueBefore != nil && !inv.DueDate.Before(*f.DueBefore) {
		return false
	}
	return true
}

// =============================================================================
// JOB BILLING VIEW
// =============================================================================

type BillingStatus string

const (
	BillingNotBilled BillingStatus = "not_billed"
	BillingPending   BillingStatus = "pending"
	BillingInvoiced  BillingStatus = "invoiced"
	BillingPaid      BillingStatus = "paid"
)

// JobBilling is the derived billing summary of a job. It is never stored;
// every read recomputes it from invoices and expenses.
type JobBilling struct {
	JobID                   JobID
	HasInvoice              bool
	InvoiceID               *InvoiceID
	TotalExpenses           Money
	TotalChargeableExpenses Money
	BillingStatus           BillingStatus
	LastBilledDate          *time.Time

	InvoiceCount                 int
	TotalInvoiced                Money
	UnbilledChargeableExpenseIDs []ExpenseID
}

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the fixed commercial terms applied at invoice creation.
type Policy struct {
	TaxRate         decimal.Decimal
	PaymentTermDays int
	Currency        string
}

// DefaultPolicy is 20% tax, 30-day terms, GBP.
func DefaultPolicy() Policy {
	return Policy{
		TaxRate:         decimal.RequireFromString("0.20"),
		PaymentTermDays: 30,
		Currency:        "GBP",
	}
}

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// =============================================================================
// HELPERS
// =============================================================================

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneExpenseID(id *ExpenseID) *ExpenseID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func containsStatus(list []InvoiceStatus, s InvoiceStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsPaymentStatus(list []PaymentStatus, s PaymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
