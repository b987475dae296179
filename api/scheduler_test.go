package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/factory"
)

// blockingInvoices holds ListInvoices open until the caller's context ends.
type blockingInvoices struct {
	*store.Memory
	entered chan struct{}
}

func (b *blockingInvoices) ListInvoices(ctx context.Context, _ billing.InvoiceFilter) ([]billing.Invoice, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOverdueScheduler_SweepsOnStart(t *testing.T) {
	ctx := context.Background()
	eng := factory.Memory(billing.DefaultPolicy(), func() time.Time { return testNow })

	// GIVEN: an unpaid invoice and a clock 40 days later
	require.NoError(t, eng.Store.SaveJob(ctx, billing.Job{ID: "J1", Price: billing.MustParseMoney("100"), CreatedAt: testNow, UpdatedAt: testNow}))
	inv, err := eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{JobID: "J1", IncludeJobPrice: true})
	require.NoError(t, err)
	eng.Lifecycle.Clock = func() time.Time { return testNow.AddDate(0, 0, 40) }

	// WHEN: the scheduler starts
	s := api.NewOverdueScheduler(eng.Lifecycle, zerolog.Nop())
	s.CheckInterval = time.Hour
	s.Start()
	defer s.Stop()

	// THEN: the immediate sweep marks it overdue
	require.Eventually(t, func() bool { return s.LastResult() != nil }, 2*time.Second, 10*time.Millisecond)
	last := s.LastResult()
	assert.NoError(t, last.Err)
	assert.Equal(t, 1, last.Updated)

	got, err := eng.Lifecycle.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentOverdue, got.PaymentStatus)

	trail, err := eng.Audit.AuditTrail(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", trail[len(trail)-1].ActorID)
}

func TestOverdueScheduler_DisabledAndIdempotentStop(t *testing.T) {
	eng := factory.Memory(billing.DefaultPolicy(), nil)
	s := api.NewOverdueScheduler(eng.Lifecycle, zerolog.Nop())
	s.Enabled = false

	s.Start()
	s.Stop()
	s.Stop()
	assert.Nil(t, s.LastResult())
}

func TestOverdueScheduler_StopCancelsSweep(t *testing.T) {
	// GIVEN: a scheduler whose first sweep blocks in the store
	blocking := &blockingInvoices{Memory: store.NewMemory(), entered: make(chan struct{})}
	lc := billing.NewLifecycle(blocking)
	s := api.NewOverdueScheduler(lc, zerolog.Nop())
	s.Start()

	select {
	case <-blocking.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never reached the store")
	}

	// WHEN: stopping mid-sweep
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	// THEN: Stop returns and the sweep reports the cancellation
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight sweep")
	}
	last := s.LastResult()
	require.NotNil(t, last)
	assert.ErrorIs(t, last.Err, context.Canceled)
}
