package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

func TestFormatInvoiceNumber(t *testing.T) {
	day := time.Date(2025, time.July, 4, 23, 59, 0, 0, time.UTC)

	assert.Equal(t, "INV-20250704-000042", billing.FormatInvoiceNumber(day, 42))
	assert.Equal(t, "INV-20250704-000001", billing.FormatInvoiceNumber(day, 1_000_001))
}

func TestMemoryStoreSequence_PerDay(t *testing.T) {
	seq := store.NewMemory()
	ctx := context.Background()
	d1 := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	a, _ := seq.Next(ctx, d1)
	b, _ := seq.Next(ctx, d1.Add(time.Hour))
	c, _ := seq.Next(ctx, d2)

	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
	assert.Equal(t, int64(1), c)
}

func TestNumberer_SkipsTakenNumbers(t *testing.T) {
	// GIVEN: an invoice already holding sequence value 1
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateInvoice(ctx, &billing.Invoice{InvoiceNumber: billing.FormatInvoiceNumber(testNow, 1)}))
	n := &billing.Numberer{Sequencer: mem, Invoices: mem}

	// WHEN: allocating
	number, err := n.Next(ctx, testNow)

	// THEN: the next free value is used
	require.NoError(t, err)
	assert.Equal(t, "INV-20250314-000002", number)
}
