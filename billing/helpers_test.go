package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var testNow = time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func money(s string) billing.Money { return billing.MustParseMoney(s) }

type engine struct {
	store      *store.Memory
	aggregator *billing.Aggregator
	lifecycle  *billing.Lifecycle
	reconciler *billing.Reconciler
	events     *recorder
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}

	agg := billing.NewAggregator(mem, mem, billing.DefaultPolicy())
	agg.Clock = fixedClock
	agg.Emitter = rec

	lc := billing.NewLifecycle(mem)
	lc.Clock = fixedClock
	lc.Emitter = rec

	return &engine{
		store:      mem,
		aggregator: agg,
		lifecycle:  lc,
		reconciler: billing.NewReconciler(mem),
		events:     rec,
	}
}

func (e *engine) seedJob(t *testing.T, id billing.JobID, price string) billing.Job {
	t.Helper()
	job := billing.Job{
		ID:                  id,
		Reference:           "REF-" + string(id),
		CustomerName:        "Acme Motors",
		CustomerEmail:       "accounts@acme.test",
		CustomerAddress:     "1 High Street",
		VehicleRegistration: "AB12 CDE",
		PickupAddress:       "Leeds",
		DeliveryAddress:     "York",
		Price:               money(price),
		Status:              billing.JobCompleted,
		CreatedAt:           testNow.Add(-48 * time.Hour),
	}
	require.NoError(t, e.store.SaveJob(context.Background(), job))
	return job
}

func (e *engine) seedExpense(t *testing.T, id billing.ExpenseID, jobID billing.JobID, typ billing.ExpenseType, amount string, chargeable bool) billing.Expense {
	t.Helper()
	exp := billing.Expense{
		ID:           id,
		JobID:        jobID,
		DriverID:     "driver-1",
		Type:         typ,
		Amount:       money(amount),
		IsChargeable: chargeable,
		Date:         testNow.Add(-24 * time.Hour),
		CreatedAt:    testNow.Add(-24 * time.Hour),
	}
	require.NoError(t, e.store.SaveExpense(context.Background(), exp))
	return exp
}

func (e *engine) draftInvoice(t *testing.T, jobID billing.JobID) *billing.Invoice {
	t.Helper()
	inv, err := e.aggregator.CreateInvoiceFromJob(context.Background(), billing.CreateInvoiceInput{
		JobID:           jobID,
		IncludeJobPrice: true,
		CreatedBy:       "tester",
	})
	require.NoError(t, err)
	return inv
}

// recorder captures emitted events.
type recorder struct {
	mu     sync.Mutex
	events []billing.Event
}

func (r *recorder) Emit(_ context.Context, event billing.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) types() []billing.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() billing.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}
