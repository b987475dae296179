/*
lifecycle.go - Invoice status and payment status transitions

PURPOSE:
  Owns every change to an invoice after creation. Two independent axes
  move through fixed transition tables; side-effecting operations (email,
  print) stamp their fields and may advance the status.

STATUS AXIS:
  draft ──▶ pending ──▶ approved ──▶ sent
    │          │           │          │
    └──────────┴───────────┴──────────┴──▶ cancelled (terminal)
  draft may also jump straight to approved.

PAYMENT AXIS:
  outstanding ──▶ partial ──▶ paid (terminal)
       │            │  ▲
       ▼            ▼  │
     overdue ◀──────┘──┘ ──▶ paid
  Every non-terminal payment state may move to cancelled.

WRITE PROTOCOL:
  read ──▶ validate ──▶ Version+1 ──▶ UpdateInvoice(expected=old Version)
  A moved version fails with ConflictError; nothing is retried here.

SEE ALSO:
  - aggregator.go: creation, the only other writer
  - events.go: what is emitted after each write
*/
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// TRANSITION TABLES
// =============================================================================

var statusTransitions = map[InvoiceStatus][]InvoiceStatus{
	StatusDraft:     {StatusPending, StatusApproved, StatusCancelled},
	StatusPending:   {StatusApproved, StatusCancelled},
	StatusApproved:  {StatusSent, StatusCancelled},
	StatusSent:      {StatusCancelled},
	StatusCancelled: nil,
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentOutstanding: {PaymentPartial, PaymentPaid, PaymentOverdue, PaymentCancelled},
	PaymentPartial:     {PaymentPaid, PaymentOverdue, PaymentCancelled},
	PaymentOverdue:     {PaymentPaid, PaymentPartial, PaymentCancelled},
	PaymentPaid:        nil,
	PaymentCancelled:   nil,
}

// CanTransitionStatus reports whether from -> to is in the status table.
func CanTransitionStatus(from, to InvoiceStatus) bool {
	return containsStatus(statusTransitions[from], to)
}

// CanTransitionPayment reports whether from -> to is in the payment table.
func CanTransitionPayment(from, to PaymentStatus) bool {
	return containsPaymentStatus(paymentTransitions[from], to)
}

// =============================================================================
// LIFECYCLE MANAGER
// =============================================================================

// Lifecycle drives invoices through their status tables.
type Lifecycle struct {
	Store   InvoiceStore
	Clock   Clock
	Emitter Emitter
	Logger  zerolog.Logger
}

func NewLifecycle(store InvoiceStore) *Lifecycle {
	return &Lifecycle{
		Store:   store,
		Clock:   SystemClock,
		Emitter: NopEmitter{},
		Logger:  zerolog.Nop(),
	}
}

// Get loads one invoice.
func (l *Lifecycle) Get(ctx context.Context, id InvoiceID) (*Invoice, error) {
	inv, err := l.Store.GetInvoice(ctx, id)
	if err != nil {
		return nil, storeErr("load invoice", "invoice", string(id), err)
	}
	return inv, nil
}

// List returns invoices matching filter.
func (l *Lifecycle) List(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	invoices, err := l.Store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, &PersistenceError{Op: "list invoices", Err: err}
	}
	return invoices, nil
}

// SetStatus moves the document status. Entering approved stamps the
// approver.
func (l *Lifecycle) SetStatus(ctx context.Context, id InvoiceID, to InvoiceStatus, actor string) (*Invoice, error) {
	if !to.Valid() {
		return nil, validationf("status", "unknown status %q", to)
	}
	inv, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := inv.Status
	if !CanTransitionStatus(from, to) {
		return nil, &InvalidTransitionError{InvoiceID: id, Axis: "status", From: string(from), To: string(to)}
	}

	now := l.Clock()
	inv.Status = to
	if to == StatusApproved {
		inv.ApprovedBy = &actor
		inv.ApprovedAt = &now
	}

	if err := l.write(ctx, inv, now); err != nil {
		return nil, err
	}
	l.emit(ctx, inv, EventStatusChanged, actor, now, string(from), string(to))
	return inv, nil
}

// SetPaymentStatus moves the payment status. Entering paid sets PaidDate
// to paidDate, or now when nil. paidDate is ignored for other targets.
func (l *Lifecycle) SetPaymentStatus(ctx context.Context, id InvoiceID, to PaymentStatus, paidDate *time.Time, actor string) (*Invoice, error) {
	if !to.Valid() {
		return nil, validationf("payment_status", "unknown payment status %q", to)
	}
	inv, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := inv.PaymentStatus
	if !CanTransitionPayment(from, to) {
		return nil, &InvalidTransitionError{InvoiceID: id, Axis: "payment_status", From: string(from), To: string(to)}
	}

	now := l.Clock()
	inv.PaymentStatus = to
	if to == PaymentPaid {
		paid := now
		if paidDate != nil {
			paid = *paidDate
		}
		inv.PaidDate = &paid
	}

	if err := l.write(ctx, inv, now); err != nil {
		return nil, err
	}
	l.emit(ctx, inv, EventPaymentStatusChanged, actor, now, string(from), string(to))
	return inv, nil
}

// MarkEmailed records delivery to recipients and forces the status to
// sent unless it is already sent or cancelled.
func (l *Lifecycle) MarkEmailed(ctx context.Context, id InvoiceID, recipients []string, actor string) (*Invoice, error) {
	cleaned := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		return nil, validationf("recipients", "at least one recipient is required")
	}

	inv, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := l.Clock()
	from := inv.Status
	inv.EmailedTo = cleaned
	inv.EmailedAt = &now
	if from != StatusSent && from != StatusCancelled {
		inv.Status = StatusSent
	}

	if err := l.write(ctx, inv, now); err != nil {
		return nil, err
	}

	event := l.event(inv, EventInvoiceEmailed, actor, now)
	event.Recipients = cleaned
	if inv.Status != from {
		event.From, event.To = string(from), string(inv.Status)
	}
	emit(ctx, l.Emitter, l.Logger, event)
	return inv, nil
}

// MarkPrinted stamps PrintedAt/PrintedBy. Status is untouched.
func (l *Lifecycle) MarkPrinted(ctx context.Context, id InvoiceID, actor string) (*Invoice, error) {
	inv, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := l.Clock()
	inv.PrintedAt = &now
	inv.PrintedBy = &actor

	if err := l.write(ctx, inv, now); err != nil {
		return nil, err
	}
	emit(ctx, l.Emitter, l.Logger, l.event(inv, EventInvoicePrinted, actor, now))
	return inv, nil
}

// Delete removes an invoice permanently. Paid invoices are kept.
func (l *Lifecycle) Delete(ctx context.Context, id InvoiceID, actor string) error {
	inv, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if inv.PaymentStatus == PaymentPaid {
		return &InvalidTransitionError{InvoiceID: id, Axis: "payment_status", From: string(inv.PaymentStatus), To: "deleted"}
	}

	if err := l.Store.DeleteInvoice(ctx, id); err != nil {
		return storeErr("delete invoice", "invoice", string(id), err)
	}

	now := l.Clock()
	l.Logger.Info().Str("invoice_id", string(id)).Str("actor", actor).Msg("invoice deleted")
	emit(ctx, l.Emitter, l.Logger, l.event(inv, EventInvoiceDeleted, actor, now))
	return nil
}

// MarkOverdue moves every unpaid, uncancelled invoice due before asOf to
// overdue. It returns how many invoices changed. Invoices modified
// concurrently are skipped and picked up by the next sweep.
func (l *Lifecycle) MarkOverdue(ctx context.Context, asOf time.Time, actor string) (int, error) {
	candidates, err := l.List(ctx, InvoiceFilter{
		PaymentStatuses: []PaymentStatus{PaymentOutstanding, PaymentPartial},
		DueBefore:       &asOf,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		inv := candidates[i]
		if inv.Status == StatusCancelled {
			continue
		}

		from := inv.PaymentStatus
		now := l.Clock()
		inv.PaymentStatus = PaymentOverdue
		if err := l.write(ctx, &inv, now); err != nil {
			if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrNotFound) {
				l.Logger.Debug().Str("invoice_id", string(inv.ID)).Err(err).Msg("overdue sweep skipped invoice")
				continue
			}
			return count, err
		}
		count++
		l.emit(ctx, &inv, EventInvoiceOverdue, actor, now, string(from), string(PaymentOverdue))
	}

	if count > 0 {
		l.Logger.Info().Int("count", count).Time("as_of", asOf).Msg("invoices marked overdue")
	}
	return count, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// write bumps the version and stores inv if nobody else did first.
func (l *Lifecycle) write(ctx context.Context, inv *Invoice, now time.Time) error {
	expected := inv.Version
	inv.Version++
	inv.UpdatedAt = now

	err := l.Store.UpdateInvoice(ctx, *inv, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConcurrentModification):
		return &ConflictError{InvoiceID: inv.ID, ExpectedVersion: expected}
	default:
		return storeErr("update invoice", "invoice", string(inv.ID), err)
	}
}

func (l *Lifecycle) event(inv *Invoice, t EventType, actor string, at time.Time) Event {
	return Event{
		Type:          t,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		JobID:         inv.JobID,
		Actor:         actor,
		At:            at,
	}
}

func (l *Lifecycle) emit(ctx context.Context, inv *Invoice, t EventType, actor string, at time.Time, from, to string) {
	l.Logger.Debug().
		Str("invoice_id", string(inv.ID)).
		Str("event", string(t)).
		Str("from", from).
		Str("to", to).
		Msg("invoice transition")

	event := l.event(inv, t, actor, at)
	event.From, event.To = from, to
	emit(ctx, l.Emitter, l.Logger, event)
}
