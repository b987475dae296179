// Package store provides in-memory implementations of the billing store
// contracts.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.Store, billing.Sequencer and billing.AuditLog.
// Records are copied on the way in and out so callers never alias state.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[billing.JobID]billing.Job
	expenses  map[billing.ExpenseID]billing.Expense
	invoices  map[billing.InvoiceID]billing.Invoice
	numbers   map[string]billing.InvoiceID
	sequences map[string]int64
	audit     map[billing.InvoiceID][]billing.AuditEntry
}

func NewMemory() *Memory {
	m := &Memory{}
	m.Reset()
	return m
}

// Reset drops every record.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[billing.JobID]billing.Job)
	m.expenses = make(map[billing.ExpenseID]billing.Expense)
	m.invoices = make(map[billing.InvoiceID]billing.Invoice)
	m.numbers = make(map[string]billing.InvoiceID)
	m.sequences = make(map[string]int64)
	m.audit = make(map[billing.InvoiceID][]billing.AuditEntry)
}

// =============================================================================
// JOBS
// =============================================================================

func (m *Memory) GetJob(_ context.Context, id billing.JobID) (*billing.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &job, nil
}

func (m *Memory) SaveJob(_ context.Context, job billing.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

// ListJobs returns jobs newest first.
func (m *Memory) ListJobs(_ context.Context) ([]billing.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// EXPENSES
// =============================================================================

func (m *Memory) GetExpense(_ context.Context, id billing.ExpenseID) (*billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.expenses[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &e, nil
}

func (m *Memory) SaveExpense(_ context.Context, expense billing.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expenses[expense.ID] = expense
	return nil
}

func (m *Memory) DeleteExpense(_ context.Context, id billing.ExpenseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.expenses[id]; !ok {
		return billing.ErrNotFound
	}
	delete(m.expenses, id)
	return nil
}

// ExpensesByJob returns the job's expenses ordered by date.
func (m *Memory) ExpensesByJob(_ context.Context, jobID billing.JobID) ([]billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Expense
	for _, e := range m.expenses {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.numbers[inv.InvoiceNumber]; taken {
		return billing.ErrDuplicateInvoiceNumber
	}
	if inv.ID == "" {
		inv.ID = billing.InvoiceID(uuid.NewString())
	}
	m.invoices[inv.ID] = inv.Clone()
	m.numbers[inv.InvoiceNumber] = inv.ID
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	out := inv.Clone()
	return &out, nil
}

func (m *Memory) InvoicesByJob(ctx context.Context, jobID billing.JobID) ([]billing.Invoice, error) {
	return m.ListInvoices(ctx, billing.InvoiceFilter{JobID: &jobID})
}

// ListInvoices returns matches newest first.
func (m *Memory) ListInvoices(_ context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if filter.Matches(inv) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].InvoiceNumber > out[j].InvoiceNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateInvoice writes lifecycle fields only; write-once fields keep their
// stored values whatever inv carries.
func (m *Memory) UpdateInvoice(_ context.Context, inv billing.Invoice, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.invoices[inv.ID]
	if !ok {
		return billing.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return billing.ErrConcurrentModification
	}

	next := inv.Clone()
	next.InvoiceNumber = stored.InvoiceNumber
	next.JobID = stored.JobID
	next.Items = stored.Items
	next.InvoiceDate = stored.InvoiceDate
	next.CreatedAt = stored.CreatedAt
	next.CreatedBy = stored.CreatedBy
	m.invoices[inv.ID] = next
	return nil
}

func (m *Memory) DeleteInvoice(_ context.Context, id billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return billing.ErrNotFound
	}
	delete(m.numbers, inv.InvoiceNumber)
	delete(m.invoices, id)
	return nil
}

func (m *Memory) InvoiceNumberExists(_ context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.numbers[number]
	return ok, nil
}

// =============================================================================
// SEQUENCER
// =============================================================================

func (m *Memory) Next(_ context.Context, day time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := day.UTC().Format("20060102")
	m.sequences[key]++
	return m.sequences[key], nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.audit[entry.InvoiceID] = append(m.audit[entry.InvoiceID], entry)
	return nil
}

// AuditTrail returns the invoice's entries in append order.
func (m *Memory) AuditTrail(_ context.Context, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.AuditEntry(nil), m.audit[invoiceID]...), nil
}

var (
	_ billing.Store     = (*Memory)(nil)
	_ billing.Sequencer = (*Memory)(nil)
	_ billing.AuditLog  = (*Memory)(nil)
)
