package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// INVOICE NUMBERS - INV-YYYYMMDD-NNNNNN
// =============================================================================

const (
	invoiceNumberPrefix = "INV"
	suffixModulus       = 1_000_000

	// maxNumberAttempts bounds how many sequence values one creation may
	// draw before giving up on finding an unused number.
	maxNumberAttempts = 8
)

var errNumbersExhausted = errors.New("no unused invoice number found")

// FormatInvoiceNumber renders the business format for a day and sequence.
// Only the last six digits of seq are used.
func FormatInvoiceNumber(day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", invoiceNumberPrefix, day.Format("20060102"), seq%suffixModulus)
}

// Numberer allocates invoice numbers: a sequence value per day, checked
// against the store before it is handed out.
type Numberer struct {
	Sequencer Sequencer
	Invoices  InvoiceStore
}

// Next returns a number not yet used by any stored invoice.
func (n *Numberer) Next(ctx context.Context, day time.Time) (string, error) {
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		seq, err := n.Sequencer.Next(ctx, day)
		if err != nil {
			return "", &PersistenceError{Op: "next invoice sequence", Err: err}
		}
		number := FormatInvoiceNumber(day, seq)

		exists, err := n.Invoices.InvoiceNumberExists(ctx, number)
		if err != nil {
			return "", &PersistenceError{Op: "check invoice number", Err: err}
		}
		if !exists {
			return number, nil
		}
	}
	return "", &PersistenceError{Op: "allocate invoice number", Err: errNumbersExhausted}
}
