/*
aggregator.go - Invoice creation from a job and its costs

PURPOSE:
  Builds one new Invoice from a job, a set of expenses and optional manual
  line items, computes its totals exactly and persists it in one atomic
  store call.

CREATION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │  job lookup ──▶ items ──▶ totals ──▶ number ──▶ persist ──▶ emit  │
  │                                                                  │
  │  items = [job price] + expenses (FromExpense) + manual entries   │
  │  totals: subtotal = Σ amount, tax = subtotal × rate, total = Σ   │
  │  number: INV-YYYYMMDD-NNNNNN from Sequencer, checked unused      │
  └──────────────────────────────────────────────────────────────────┘

ORDERING:
  Expense lines always precede manual lines. The order is part of the
  printed invoice and is frozen at creation.

ALL-OR-NOTHING:
  Either a complete, internally consistent invoice is stored, or nothing
  is. CreateInvoice writes the invoice and its items in one transaction.

CONCURRENCY:
  Two concurrent creations for the same job both succeed and produce two
  invoices. Nothing enforces one invoice per job.

SEE ALSO:
  - costitem.go: line normalisation
  - numbering.go: invoice number allocation
  - lifecycle.go: what happens after creation
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CreateInvoiceInput is everything needed to bill a job once.
type CreateInvoiceInput struct {
	JobID JobID

	// Expenses are billed as given, in order.
	Expenses []Expense

	// ExpenseIDs are loaded from the store and must belong to JobID.
	ExpenseIDs []ExpenseID

	// IncludeChargeable adds every chargeable expense of the job not
	// already listed, oldest first.
	IncludeChargeable bool

	// IncludeJobPrice prepends the job's base price as a transport line.
	IncludeJobPrice bool

	AdditionalItems []ManualItem

	// Customer overrides the snapshot taken from the job.
	Customer *CustomerInfo

	CreatedBy string
	Notes     string
}

// Aggregator creates invoices.
type Aggregator struct {
	Store    Store
	Numberer *Numberer
	Policy   Policy
	Clock    Clock
	Emitter  Emitter
	Logger   zerolog.Logger
}

// NewAggregator wires an aggregator with the default clock and no emitter.
func NewAggregator(store Store, seq Sequencer, policy Policy) *Aggregator {
	return &Aggregator{
		Store:    store,
		Numberer: &Numberer{Sequencer: seq, Invoices: store},
		Policy:   policy,
		Clock:    SystemClock,
		Emitter:  NopEmitter{},
		Logger:   zerolog.Nop(),
	}
}

// CreateInvoiceFromJob builds, numbers and persists a new draft invoice.
func (a *Aggregator) CreateInvoiceFromJob(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	if in.JobID == "" {
		return nil, validationf("job_id", "is required")
	}

	job, err := a.Store.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, storeErr("load job", "job", string(in.JobID), err)
	}

	items, err := a.buildItems(ctx, job, in)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "invoice requires at least one line item"}
	}

	subtotal, taxAmount, total := ComputeTotals(items, a.Policy.TaxRate)

	now := a.Clock()
	customer := job.Customer()
	if in.Customer != nil {
		customer = *in.Customer
	}

	inv := &Invoice{
		JobID:         job.ID,
		Customer:      customer,
		Items:         items,
		Subtotal:      subtotal,
		TaxRate:       a.Policy.TaxRate,
		TaxAmount:     taxAmount,
		Total:         total,
		Currency:      a.Policy.Currency,
		Status:        StatusDraft,
		PaymentStatus: PaymentOutstanding,
		InvoiceDate:   now,
		DueDate:       now.AddDate(0, 0, a.Policy.PaymentTermDays),
		CreatedBy:     in.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		Notes:         in.Notes,
		Version:       1,
	}

	if err := a.persist(ctx, inv); err != nil {
		return nil, err
	}

	a.Logger.Info().
		Str("invoice_id", string(inv.ID)).
		Str("invoice_number", inv.InvoiceNumber).
		Str("job_id", string(inv.JobID)).
		Str("total", inv.Total.String()).
		Int("items", len(inv.Items)).
		Msg("invoice created")

	total = inv.Total
	emit(ctx, a.Emitter, a.Logger, Event{
		Type:          EventInvoiceCreated,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		JobID:         inv.JobID,
		Actor:         in.CreatedBy,
		At:            now,
		To:            string(inv.Status),
		Total:         &total,
	})

	return inv, nil
}

// persist allocates a number and writes the invoice. A unique-constraint
// hit on the number (lost race with another process) draws a new number;
// any other failure is returned as is.
func (a *Aggregator) persist(ctx context.Context, inv *Invoice) error {
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		number, err := a.Numberer.Next(ctx, inv.InvoiceDate)
		if err != nil {
			return err
		}
		inv.InvoiceNumber = number

		err = a.Store.CreateInvoice(ctx, inv)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateInvoiceNumber) {
			return &PersistenceError{Op: "create invoice", Err: err}
		}
		a.Logger.Warn().Str("invoice_number", number).Msg("invoice number taken, drawing another")
	}
	return &PersistenceError{Op: "create invoice", Err: errNumbersExhausted}
}

func (a *Aggregator) buildItems(ctx context.Context, job *Job, in CreateInvoiceInput) ([]CostItem, error) {
	var items []CostItem

	if in.IncludeJobPrice {
		if job.Price.IsNegative() {
			return nil, validationf("job.price", "must not be negative, got %s", job.Price)
		}
		items = append(items, FromJobPrice(*job))
	}

	expenses, err := a.collectExpenses(ctx, job.ID, in)
	if err != nil {
		return nil, err
	}
	for _, e := range expenses {
		items = append(items, FromExpense(e))
	}

	for i, m := range in.AdditionalItems {
		item, err := FromManualEntry(m)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("additional_items[%d].%s", i, ve.Field)
			}
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}

// collectExpenses resolves the three expense sources into one ordered,
// de-duplicated list that belongs to jobID.
func (a *Aggregator) collectExpenses(ctx context.Context, jobID JobID, in CreateInvoiceInput) ([]Expense, error) {
	seen := make(map[ExpenseID]bool)
	var out []Expense

	add := func(e Expense) error {
		if e.JobID != jobID {
			return validationf("expenses", "expense %s belongs to job %s, not %s", e.ID, e.JobID, jobID)
		}
		if e.Amount.IsNegative() {
			return validationf("expenses", "expense %s has negative amount %s", e.ID, e.Amount)
		}
		if e.ID != "" {
			if seen[e.ID] {
				return nil
			}
			seen[e.ID] = true
		}
		out = append(out, e)
		return nil
	}

	for _, e := range in.Expenses {
		if err := add(e); err != nil {
			return nil, err
		}
	}

	for _, id := range in.ExpenseIDs {
		e, err := a.Store.GetExpense(ctx, id)
		if err != nil {
			return nil, storeErr("load expense", "expense", string(id), err)
		}
		if err := add(*e); err != nil {
			return nil, err
		}
	}

	if in.IncludeChargeable {
		all, err := a.Store.ExpensesByJob(ctx, jobID)
		if err != nil {
			return nil, storeErr("load job expenses", "job", string(jobID), err)
		}
		sort.SliceStable(all, func(i, j int) bool {
			if !all[i].Date.Equal(all[j].Date) {
				return all[i].Date.Before(all[j].Date)
			}
			return all[i].ID < all[j].ID
		})
		for _, e := range all {
			if !e.IsChargeable {
				continue
			}
			if err := add(e); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// =============================================================================
// TOTALS
// =============================================================================

// ComputeTotals derives subtotal, tax and total from items. Amounts are
// recomputed from quantity and unit price; no rounding is applied.
func ComputeTotals(items []CostItem, taxRate decimal.Decimal) (subtotal, taxAmount, total Money) {
	subtotal = decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Recompute().Amount)
	}
	taxAmount = subtotal.Mul(taxRate)
	total = subtotal.Add(taxAmount)
	return subtotal, taxAmount, total
}

// CheckTotals verifies the arithmetic invariants of a stored invoice.
func (inv Invoice) CheckTotals() error {
	if len(inv.Items) == 0 {
		return &ValidationError{Field: "items", Message: "invoice requires at least one line item"}
	}
	sum := decimal.Zero
	for i, it := range inv.Items {
		if !it.Amount.Equal(it.Recompute().Amount) {
			return validationf(fmt.Sprintf("items[%d].amount", i), "%s != %d x %s", it.Amount, it.Quantity, it.UnitPrice)
		}
		sum = sum.Add(it.Amount)
	}
	if !inv.Subtotal.Equal(sum) {
		return validationf("subtotal", "%s != sum of items %s", inv.Subtotal, sum)
	}
	if !inv.TaxAmount.Equal(inv.Subtotal.Mul(inv.TaxRate)) {
		return validationf("tax_amount", "%s != %s x %s", inv.TaxAmount, inv.Subtotal, inv.TaxRate)
	}
	if !inv.Total.Equal(inv.Subtotal.Add(inv.TaxAmount)) {
		return validationf("total", "%s != %s + %s", inv.Total, inv.Subtotal, inv.TaxAmount)
	}
	return nil
}

// emit delivers an event and logs, never returns, a failure.
func emit(ctx context.Context, emitter Emitter, logger zerolog.Logger, event Event) {
	if emitter == nil {
		return
	}
	if err := emitter.Emit(ctx, event); err != nil {
		logger.Error().Err(err).
			Str("event", string(event.Type)).
			Str("invoice_id", string(event.InvoiceID)).
			Msg("event emission failed")
	}
}
