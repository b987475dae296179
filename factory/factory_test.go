package factory_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/factory"
)

func testConfig(driver string) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: driver},
		Billing:  config.BillingConfig{TaxRate: "0.20", PaymentTermDays: 30, Currency: "GBP"},
	}
}

func TestOpen_SQLiteEngineWritesAuditTrail(t *testing.T) {
	cfg := testConfig("sqlite")
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "billing.db")
	ctx := context.Background()

	eng, err := factory.Open(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	// GIVEN: a completed job with a base price
	now := time.Now().UTC()
	require.NoError(t, eng.Store.SaveJob(ctx, billing.Job{ID: "J1", Price: billing.MustParseMoney("80"), Status: billing.JobCompleted, CreatedAt: now, UpdatedAt: now}))

	// WHEN: an invoice is created through the wired engine
	inv, err := eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{JobID: "J1", IncludeJobPrice: true, CreatedBy: "ops"})
	require.NoError(t, err)

	// THEN: the audit emitter recorded it in the same database
	trail, err := eng.Audit.AuditTrail(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, billing.EventInvoiceCreated, trail[0].Action)

	// AND: reset clears everything
	require.NoError(t, eng.Reset(ctx))
	_, err = eng.Store.GetInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := factory.Open(context.Background(), testConfig("mongo"), zerolog.Nop())
	assert.Error(t, err)
}

func TestMemory_PinsClock(t *testing.T) {
	at := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	eng := factory.Memory(billing.DefaultPolicy(), func() time.Time { return at })
	ctx := context.Background()

	require.NoError(t, eng.Store.SaveJob(ctx, billing.Job{ID: "J1", Price: billing.MustParseMoney("10"), CreatedAt: at, UpdatedAt: at}))
	inv, err := eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{JobID: "J1", IncludeJobPrice: true})
	require.NoError(t, err)
	assert.Equal(t, "INV-20250314-000001", inv.InvoiceNumber)
	assert.Equal(t, at.AddDate(0, 0, 30), inv.DueDate)
}

func TestParsePolicy(t *testing.T) {
	policy, err := factory.ParsePolicy(`{"tax_rate": "0.175", "currency": "EUR"}`)
	require.NoError(t, err)
	assert.Equal(t, "0.175", policy.TaxRate.String())
	assert.Equal(t, 30, policy.PaymentTermDays)
	assert.Equal(t, "EUR", policy.Currency)

	assert.Equal(t, factory.PolicyJSON{TaxRate: "0.175", PaymentTermDays: 30, Currency: "EUR"}, factory.ToJSON(policy))

	_, err = factory.ParsePolicy(`{"tax_rate": "-1"}`)
	assert.Error(t, err)
	_, err = factory.ParsePolicy(`{"payment_term_days": -5}`)
	assert.Error(t, err)
	_, err = factory.ParsePolicy(`not json`)
	assert.Error(t, err)
}
