/*
reconciler.go - Derived billing status of a job

PURPOSE:
  Answers "what is the billing status of this job" from the current jobs,
  expenses and invoices collections. The result is never stored and never
  cached; every call recomputes it.

STATUS RULES (first match wins):
  no invoices                          → not_billed
  ≥1 invoice, every one paid           → paid
  any invoice with status sent         → invoiced
  otherwise                            → pending

PRIMARY INVOICE:
  When a job has several invoices, InvoiceID and LastBilledDate come from
  the earliest InvoiceDate, ties broken by CreatedAt then InvoiceNumber.
*/
package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Reconciler computes JobBilling views.
type Reconciler struct {
	Jobs     JobStore
	Expenses ExpenseStore
	Invoices InvoiceStore
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{Jobs: store, Expenses: store, Invoices: store}
}

// JobBilling loads the job's invoices and expenses and derives its view.
func (r *Reconciler) JobBilling(ctx context.Context, jobID JobID) (*JobBilling, error) {
	if jobID == "" {
		return nil, validationf("job_id", "is required")
	}
	if _, err := r.Jobs.GetJob(ctx, jobID); err != nil {
		return nil, storeErr("load job", "job", string(jobID), err)
	}

	invoices, err := r.Invoices.InvoicesByJob(ctx, jobID)
	if err != nil {
		return nil, &PersistenceError{Op: "load job invoices", Err: err}
	}
	expenses, err := r.Expenses.ExpensesByJob(ctx, jobID)
	if err != nil {
		return nil, &PersistenceError{Op: "load job expenses", Err: err}
	}

	view := ComputeJobBilling(jobID, invoices, expenses)
	return &view, nil
}

// JobBillings computes the view for each job, in order.
func (r *Reconciler) JobBillings(ctx context.Context, jobIDs []JobID) ([]JobBilling, error) {
	out := make([]JobBilling, 0, len(jobIDs))
	for _, id := range jobIDs {
		view, err := r.JobBilling(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *view)
	}
	return out, nil
}

// ComputeJobBilling is the pure derivation behind JobBilling.
func ComputeJobBilling(jobID JobID, invoices []Invoice, expenses []Expense) JobBilling {
	view := JobBilling{
		JobID:                   jobID,
		TotalExpenses:           decimal.Zero,
		TotalChargeableExpenses: decimal.Zero,
		TotalInvoiced:           decimal.Zero,
		BillingStatus:           billingStatus(invoices),
		InvoiceCount:            len(invoices),
	}

	for _, e := range expenses {
		view.TotalExpenses = view.TotalExpenses.Add(e.Amount)
		if e.IsChargeable {
			view.TotalChargeableExpenses = view.TotalChargeableExpenses.Add(e.Amount)
		}
	}

	billed := make(map[ExpenseID]bool)
	for _, inv := range invoices {
		if inv.Status == StatusCancelled {
			continue
		}
		view.TotalInvoiced = view.TotalInvoiced.Add(inv.Total)
		for _, it := range inv.Items {
			if it.SourceExpenseID != nil {
				billed[*it.SourceExpenseID] = true
			}
		}
	}
	for _, e := range sortedExpenses(expenses) {
		if e.IsChargeable && !billed[e.ID] {
			view.UnbilledChargeableExpenseIDs = append(view.UnbilledChargeableExpenseIDs, e.ID)
		}
	}

	if primary := primaryInvoice(invoices); primary != nil {
		id := primary.ID
		date := primary.InvoiceDate
		view.HasInvoice = true
		view.InvoiceID = &id
		view.LastBilledDate = &date
	}

	return view
}

func billingStatus(invoices []Invoice) BillingStatus {
	if len(invoices) == 0 {
		return BillingNotBilled
	}

	allPaid := true
	anySent := false
	for _, inv := range invoices {
		if inv.PaymentStatus != PaymentPaid {
			allPaid = false
		}
		if inv.Status == StatusSent {
			anySent = true
		}
	}

	switch {
	case allPaid:
		return BillingPaid
	case anySent:
		return BillingInvoiced
	default:
		return BillingPending
	}
}

func primaryInvoice(invoices []Invoice) *Invoice {
	if len(invoices) == 0 {
		return nil
	}
	best := &invoices[0]
	for i := 1; i < len(invoices); i++ {
		if invoiceBefore(invoices[i], *best) {
			best = &invoices[i]
		}
	}
	return best
}

func invoiceBefore(a, b Invoice) bool {
	if !a.InvoiceDate.Equal(b.InvoiceDate) {
		return a.InvoiceDate.Before(b.InvoiceDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.InvoiceNumber < b.InvoiceNumber
}

// sortedExpenses orders by date then ID so derived lists are stable across
// store iteration orders.
func sortedExpenses(expenses []Expense) []Expense {
	out := append([]Expense(nil), expenses...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
