package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, invoice_number, job_id, customer_name, customer_email, customer_address,
	subtotal::text, tax_rate::text, tax_amount::text, total::text, currency, status, payment_status,
	invoice_date, due_date, paid_date, created_by, created_at, updated_at,
	approved_by, approved_at, emailed_to, emailed_at, printed_at, printed_by,
	notes, version`

// CreateInvoice writes the invoice and its items in one transaction.
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	id := inv.ID
	if id == "" {
		id = billing.InvoiceID(newID())
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO invoices (
			id, invoice_number, job_id, customer_name, customer_email, customer_address,
			subtotal, tax_rate, tax_amount, total, currency, status, payment_status,
			invoice_date, due_date, paid_date, created_by, created_at, updated_at,
			approved_by, approved_at, emailed_to, emailed_at, printed_at, printed_by,
			notes, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)
	`,
		string(id), inv.InvoiceNumber, string(inv.JobID), inv.Customer.Name, inv.Customer.Email, inv.Customer.Address,
		inv.Subtotal.String(), inv.TaxRate.String(), inv.TaxAmount.String(), inv.Total.String(),
		inv.Currency, string(inv.Status), string(inv.PaymentStatus),
		inv.InvoiceDate, inv.DueDate, inv.PaidDate, inv.CreatedBy, inv.CreatedAt, inv.UpdatedAt,
		inv.ApprovedBy, inv.ApprovedAt, nonNil(inv.EmailedTo), inv.EmailedAt, inv.PrintedAt, inv.PrintedBy,
		inv.Notes, inv.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicateInvoiceNumber
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	batch := &pgx.Batch{}
	for i, it := range inv.Items {
		var source *string
		if it.SourceExpenseID != nil {
			v := string(*it.SourceExpenseID)
			source = &v
		}
		batch.Queue(`
			INSERT INTO invoice_items (
				invoice_id, position, id, description, quantity, unit_price, amount, category, source_expense_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, string(id), i, string(it.ID), it.Description, it.Quantity, it.UnitPrice.String(), it.Amount.String(), string(it.Category), source)
	}
	results := tx.SendBatch(ctx, batch)
	for i := range inv.Items {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert invoice item %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	inv.ID = id
	return nil
}

// GetInvoice retrieves an invoice with its items.
func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, string(id))
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, notFound(err)
	}
	if inv.Items, err = s.loadItems(ctx, inv.ID); err != nil {
		return nil, err
	}
	return &inv, nil
}

// InvoicesByJob returns every invoice of the job.
func (s *Store) InvoicesByJob(ctx context.Context, jobID billing.JobID) ([]billing.Invoice, error) {
	return s.ListInvoices(ctx, billing.InvoiceFilter{JobID: &jobID})
}

// ListInvoices returns invoices matching filter, newest first.
func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.JobID != nil {
		where = append(where, "job_id = "+arg(string(*filter.JobID)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if len(filter.PaymentStatuses) > 0 {
		statuses := make([]string, len(filter.PaymentStatuses))
		for i, st := range filter.PaymentStatuses {
			statuses[i] = string(st)
		}
		where = append(where, "payment_status = ANY("+arg(statuses)+")")
	}
	if filter.DueBefore != nil {
		where = append(where, "due_date < "+arg(*filter.DueBefore))
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, invoice_number DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	invoices, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Invoice, error) {
		return scanInvoice(row)
	})
	if err != nil {
		return nil, err
	}

	for i := range invoices {
		if invoices[i].Items, err = s.loadItems(ctx, invoices[i].ID); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

// UpdateInvoice writes lifecycle columns if the stored version matches.
func (s *Store) UpdateInvoice(ctx context.Context, inv billing.Invoice, expectedVersion int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices SET
			status = $1, payment_status = $2, paid_date = $3, updated_at = $4,
			approved_by = $5, approved_at = $6, emailed_to = $7, emailed_at = $8,
			printed_at = $9, printed_by = $10, version = $11
		WHERE id = $12 AND version = $13
	`,
		string(inv.Status), string(inv.PaymentStatus), inv.PaidDate, inv.UpdatedAt,
		inv.ApprovedBy, inv.ApprovedAt, nonNil(inv.EmailedTo), inv.EmailedAt,
		inv.PrintedAt, inv.PrintedBy, inv.Version,
		string(inv.ID), expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, string(inv.ID)).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return billing.ErrNotFound
	}
	return billing.ErrConcurrentModification
}

// DeleteInvoice removes an invoice; items cascade.
func (s *Store) DeleteInvoice(ctx context.Context, id billing.InvoiceID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

// InvoiceNumberExists checks the unique number index.
func (s *Store) InvoiceNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE invoice_number = $1)`, number).Scan(&exists)
	return exists, err
}

func (s *Store) loadItems(ctx context.Context, id billing.InvoiceID) ([]billing.CostItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, description, quantity, unit_price::text, amount::text, category, source_expense_id
		FROM invoice_items WHERE invoice_id = $1 ORDER BY position
	`, string(id))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.CostItem, error) {
		var it billing.CostItem
		var itemID, unitPrice, amount, category string
		var source *string
		if err := row.Scan(&itemID, &it.Description, &it.Quantity, &unitPrice, &amount, &category, &source); err != nil {
			return it, err
		}
		it.ID = billing.ItemID(itemID)
		it.UnitPrice = parseDecimal(unitPrice)
		it.Amount = parseDecimal(amount)
		it.Category = billing.Category(category)
		if source != nil {
			src := billing.ExpenseID(*source)
			it.SourceExpenseID = &src
		}
		return it, nil
	})
}

func scanInvoice(row pgx.Row) (billing.Invoice, error) {
	var inv billing.Invoice
	var id, jobID, status, paymentStatus string
	var subtotal, taxRate, taxAmount, total string
	var invoiceDate, dueDate, createdAt, updatedAt time.Time
	if err := row.Scan(
		&id, &inv.InvoiceNumber, &jobID, &inv.Customer.Name, &inv.Customer.Email, &inv.Customer.Address,
		&subtotal, &taxRate, &taxAmount, &total, &inv.Currency, &status, &paymentStatus,
		&invoiceDate, &dueDate, &inv.PaidDate, &inv.CreatedBy, &createdAt, &updatedAt,
		&inv.ApprovedBy, &inv.ApprovedAt, &inv.EmailedTo, &inv.EmailedAt, &inv.PrintedAt, &inv.PrintedBy,
		&inv.Notes, &inv.Version,
	); err != nil {
		return inv, err
	}

	inv.ID = billing.InvoiceID(id)
	inv.JobID = billing.JobID(jobID)
	inv.Status = billing.InvoiceStatus(status)
	inv.PaymentStatus = billing.PaymentStatus(paymentStatus)
	inv.Subtotal = parseDecimal(subtotal)
	inv.TaxRate = parseDecimal(taxRate)
	inv.TaxAmount = parseDecimal(taxAmount)
	inv.Total = parseDecimal(total)
	inv.InvoiceDate = invoiceDate.UTC()
	inv.DueDate = dueDate.UTC()
	inv.CreatedAt = createdAt.UTC()
	inv.UpdatedAt = updatedAt.UTC()
	inv.PaidDate = utcPtr(inv.PaidDate)
	inv.ApprovedAt = utcPtr(inv.ApprovedAt)
	inv.EmailedAt = utcPtr(inv.EmailedAt)
	inv.PrintedAt = utcPtr(inv.PrintedAt)
	if len(inv.EmailedTo) == 0 {
		inv.EmailedTo = nil
	}
	return inv, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
