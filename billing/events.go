package billing

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// EVENTS - Emitted after a write has been committed
// =============================================================================

type EventType string

const (
	EventInvoiceCreated       EventType = "invoice.created"
	EventStatusChanged        EventType = "invoice.status_changed"
	EventPaymentStatusChanged EventType = "invoice.payment_status_changed"
	EventInvoiceEmailed       EventType = "invoice.emailed"
	EventInvoicePrinted       EventType = "invoice.printed"
	EventInvoiceDeleted       EventType = "invoice.deleted"
	EventInvoiceOverdue       EventType = "invoice.overdue"
)

// Event describes one committed invoice change. From/To are set for
// transitions; Recipients for emails.
type Event struct {
	Type          EventType
	InvoiceID     InvoiceID
	InvoiceNumber string
	JobID         JobID
	Actor         string
	At            time.Time
	From          string
	To            string
	Recipients    []string
	Total         *Money
}

// Emitter consumes events. A failing emitter never undoes the write that
// produced the event.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event Event) error

func (f EmitterFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }

// MultiEmitter fans an event out to every emitter and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Payload flattens the event for audit storage and wire publishing.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"invoice_number": e.InvoiceNumber,
	}
	if e.From != "" {
		p["from"] = e.From
	}
	if e.To != "" {
		p["to"] = e.To
	}
	if len(e.Recipients) > 0 {
		p["recipients"] = e.Recipients
	}
	if e.Total != nil {
		p["total"] = e.Total.String()
	}
	return p
}
