package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestJobBilling_NoInvoices(t *testing.T) {
	e := newEngine(t)
	e.seedJob(t, "j1", "100")
	e.seedExpense(t, "e1", "j1", billing.ExpenseFuel, "20", true)
	e.seedExpense(t, "e2", "j1", billing.ExpenseTaxi, "7.5", false)

	view, err := e.reconciler.JobBilling(context.Background(), "j1")

	require.NoError(t, err)
	assert.Equal(t, billing.BillingNotBilled, view.BillingStatus)
	assert.False(t, view.HasInvoice)
	assert.Nil(t, view.InvoiceID)
	assert.Nil(t, view.LastBilledDate)
	assert.Equal(t, "27.5", view.TotalExpenses.String())
	assert.Equal(t, "20", view.TotalChargeableExpenses.String())
	assert.Equal(t, []billing.ExpenseID{"e1"}, view.UnbilledChargeableExpenseIDs)
}

func TestJobBilling_UnknownJob(t *testing.T) {
	e := newEngine(t)

	_, err := e.reconciler.JobBilling(context.Background(), "ghost")

	assert.True(t, billing.IsNotFound(err))
}

func TestJobBilling_Idempotent(t *testing.T) {
	// GIVEN: a job with an invoice and expenses
	e := newEngine(t)
	e.seedJob(t, "j1", "100")
	e.seedExpense(t, "e1", "j1", billing.ExpenseFuel, "20", true)
	e.draftInvoice(t, "j1")

	// WHEN: reconciling twice without writes in between
	first, err := e.reconciler.JobBilling(context.Background(), "j1")
	require.NoError(t, err)
	second, err := e.reconciler.JobBilling(context.Background(), "j1")
	require.NoError(t, err)

	// THEN: identical views
	assert.Equal(t, first, second)
}

func TestComputeJobBilling_StatusRules(t *testing.T) {
	inv := func(status billing.InvoiceStatus, payment billing.PaymentStatus) billing.Invoice {
		return billing.Invoice{ID: billing.InvoiceID(string(status) + "-" + string(payment)), Status: status, PaymentStatus: payment, InvoiceDate: testNow}
	}

	tests := []struct {
		name     string
		invoices []billing.Invoice
		want     billing.BillingStatus
	}{
		{"none", nil, billing.BillingNotBilled},
		{"draft", []billing.Invoice{inv(billing.StatusDraft, billing.PaymentOutstanding)}, billing.BillingPending},
		{"approved", []billing.Invoice{inv(billing.StatusApproved, billing.PaymentOutstanding)}, billing.BillingPending},
		{"sent", []billing.Invoice{inv(billing.StatusSent, billing.PaymentOutstanding)}, billing.BillingInvoiced},
		{"all paid", []billing.Invoice{inv(billing.StatusSent, billing.PaymentPaid), inv(billing.StatusDraft, billing.PaymentPaid)}, billing.BillingPaid},
		{"paid and sent unpaid", []billing.Invoice{inv(billing.StatusSent, billing.PaymentPaid), inv(billing.StatusSent, billing.PaymentOverdue)}, billing.BillingInvoiced},
		{"paid and draft unpaid", []billing.Invoice{inv(billing.StatusSent, billing.PaymentPaid), inv(billing.StatusDraft, billing.PaymentOutstanding)}, billing.BillingInvoiced},
		{"draft unpaid only after paid draft", []billing.Invoice{inv(billing.StatusDraft, billing.PaymentPaid), inv(billing.StatusPending, billing.PaymentPartial)}, billing.BillingPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := billing.ComputeJobBilling("j1", tt.invoices, nil)
			assert.Equal(t, tt.want, view.BillingStatus)
		})
	}
}

func TestComputeJobBilling_PrimaryInvoiceIsEarliest(t *testing.T) {
	// GIVEN: invoices in arbitrary order, two sharing a date
	day1 := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	invoices := []billing.Invoice{
		{ID: "late", InvoiceNumber: "INV-20250102-000001", InvoiceDate: day2, CreatedAt: day2},
		{ID: "tie-b", InvoiceNumber: "INV-20250101-000002", InvoiceDate: day1, CreatedAt: day1},
		{ID: "tie-a", InvoiceNumber: "INV-20250101-000001", InvoiceDate: day1, CreatedAt: day1},
	}

	// WHEN: computing the view, in both orders
	forward := billing.ComputeJobBilling("j1", invoices, nil)
	reversed := billing.ComputeJobBilling("j1", []billing.Invoice{invoices[2], invoices[1], invoices[0]}, nil)

	// THEN: the earliest date wins, the lowest number breaks the tie
	require.NotNil(t, forward.InvoiceID)
	assert.Equal(t, billing.InvoiceID("tie-a"), *forward.InvoiceID)
	assert.Equal(t, day1, *forward.LastBilledDate)
	assert.Equal(t, forward, reversed)
	assert.Equal(t, 3, forward.InvoiceCount)
}

func TestComputeJobBilling_UnbilledExcludesInvoicedExpenses(t *testing.T) {
	e1, e2 := billing.ExpenseID("e1"), billing.ExpenseID("e2")
	expenses := []billing.Expense{
		{ID: e1, Amount: money("10"), IsChargeable: true, Date: testNow},
		{ID: e2, Amount: money("5"), IsChargeable: true, Date: testNow.Add(time.Hour)},
	}
	invoices := []billing.Invoice{
		{ID: "i1", Status: billing.StatusSent, Total: money("12"), Items: []billing.CostItem{{SourceExpenseID: &e1}}},
		{ID: "i2", Status: billing.StatusCancelled, Total: money("6"), Items: []billing.CostItem{{SourceExpenseID: &e2}}},
	}

	view := billing.ComputeJobBilling("j1", invoices, expenses)

	assert.Equal(t, []billing.ExpenseID{"e2"}, view.UnbilledChargeableExpenseIDs)
	assert.Equal(t, "12", view.TotalInvoiced.String())
}

func TestJobBillings(t *testing.T) {
	e := newEngine(t)
	e.seedJob(t, "j1", "100")
	e.seedJob(t, "j2", "50")
	e.draftInvoice(t, "j2")

	views, err := e.reconciler.JobBillings(context.Background(), []billing.JobID{"j1", "j2"})

	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, billing.BillingNotBilled, views[0].BillingStatus)
	assert.Equal(t, billing.BillingPending, views[1].BillingStatus)
}
