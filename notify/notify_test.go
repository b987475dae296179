package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/notify"
)

var at = time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)

func TestLogEmitter_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	e := notify.NewLogEmitter(zerolog.New(&buf))
	total := billing.MustParseMoney("54")

	require.NoError(t, e.Emit(context.Background(), billing.Event{
		Type: billing.EventInvoiceCreated, InvoiceID: "inv1", InvoiceNumber: "INV-20250314-000001",
		JobID: "J1", Actor: "ops", At: at, Total: &total,
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "invoice.created", line["event"])
	assert.Equal(t, "INV-20250314-000001", line["invoice_number"])
	assert.Equal(t, "54.00", line["total"])
	assert.NotContains(t, line, "from")
}

func TestAuditEmitter_BuildsTrailThroughEngine(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	clock := func() time.Time { return at }

	// GIVEN: an engine whose events feed the audit log
	require.NoError(t, mem.SaveJob(ctx, billing.Job{ID: "J1", Price: billing.MustParseMoney("100"), Status: billing.JobCompleted, CreatedAt: at, UpdatedAt: at}))
	audit := notify.NewAuditEmitter(mem)

	agg := billing.NewAggregator(mem, mem, billing.DefaultPolicy())
	agg.Clock = clock
	agg.Emitter = audit
	lc := billing.NewLifecycle(mem)
	lc.Clock = clock
	lc.Emitter = audit

	// WHEN: the invoice is created and approved
	inv, err := agg.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{JobID: "J1", IncludeJobPrice: true, CreatedBy: "ops"})
	require.NoError(t, err)
	_, err = lc.SetStatus(ctx, inv.ID, billing.StatusApproved, "manager")
	require.NoError(t, err)

	// THEN: the trail holds both entries in order with their actors
	trail, err := mem.AuditTrail(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, billing.EventInvoiceCreated, trail[0].Action)
	assert.Equal(t, billing.EventStatusChanged, trail[1].Action)
	assert.Equal(t, "manager", trail[1].ActorID)
	assert.Equal(t, "approved", trail[1].Payload["to"])
	assert.Equal(t, billing.JobID("J1"), trail[1].JobID)
}

func TestEntryFor(t *testing.T) {
	entry := notify.EntryFor(billing.Event{
		Type: billing.EventInvoiceEmailed, InvoiceID: "inv1", Actor: "ops", At: at,
		Recipients: []string{"a@acme.test"},
	})
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, at, entry.Timestamp)
	assert.Equal(t, []string{"a@acme.test"}, entry.Payload["recipients"])
}
