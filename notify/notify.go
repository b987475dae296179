// Package notify holds the concrete billing.Emitter implementations used by
// the server: a structured log sink and an audit trail writer. The Redis
// publisher lives in store/rediskv next to the client it shares.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

// LogEmitter writes one info line per event.
type LogEmitter struct {
	Logger zerolog.Logger
}

func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{Logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, event billing.Event) error {
	ev := e.Logger.Info().
		Str("event", string(event.Type)).
		Str("invoice_id", string(event.InvoiceID)).
		Str("invoice_number", event.InvoiceNumber).
		Str("job_id", string(event.JobID)).
		Str("actor", event.Actor)
	if event.From != "" || event.To != "" {
		ev = ev.Str("from", event.From).Str("to", event.To)
	}
	if len(event.Recipients) > 0 {
		ev = ev.Strs("recipients", event.Recipients)
	}
	if event.Total != nil {
		ev = ev.Str("total", event.Total.StringFixed(2))
	}
	ev.Msg("invoice event")
	return nil
}

// AuditEmitter appends every event to an audit log.
type AuditEmitter struct {
	Log billing.AuditLog
}

func NewAuditEmitter(log billing.AuditLog) *AuditEmitter {
	return &AuditEmitter{Log: log}
}

func (e *AuditEmitter) Emit(ctx context.Context, event billing.Event) error {
	if err := e.Log.AppendAudit(ctx, EntryFor(event)); err != nil {
		return fmt.Errorf("append audit for %s: %w", event.InvoiceID, err)
	}
	return nil
}

// EntryFor converts an event into its audit record.
func EntryFor(event billing.Event) billing.AuditEntry {
	return billing.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: event.At,
		ActorID:   event.Actor,
		Action:    event.Type,
		InvoiceID: event.InvoiceID,
		JobID:     event.JobID,
		Payload:   event.Payload(),
	}
}

var (
	_ billing.Emitter = (*LogEmitter)(nil)
	_ billing.Emitter = (*AuditEmitter)(nil)
)
