/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as strings. Responses render two decimal places
  (StringFixed(2)); stored values keep full precision. Requests accept any
  decimal string.

DATES:
  Responses use RFC3339 in UTC. Requests accept anything billing.ToTime
  understands (RFC3339, YYYY-MM-DD, epoch seconds or milliseconds).

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// JOBS & EXPENSES
// =============================================================================

type JobDTO struct {
	ID                  string `json:"id"`
	Reference           string `json:"reference,omitempty"`
	CustomerID          string `json:"customer_id,omitempty"`
	CustomerName        string `json:"customer_name"`
	CustomerEmail       string `json:"customer_email,omitempty"`
	CustomerAddress     string `json:"customer_address,omitempty"`
	DriverID            string `json:"driver_id,omitempty"`
	VehicleRegistration string `json:"vehicle_registration,omitempty"`
	PickupAddress       string `json:"pickup_address,omitempty"`
	DeliveryAddress     string `json:"delivery_address,omitempty"`
	Price               string `json:"price"`
	Status              string `json:"status"`
	ScheduledAt         string `json:"scheduled_at,omitempty"`
	CreatedAt           string `json:"created_at"`
}

// CreateJobRequest creates or replaces a job. ID is generated when empty.
type CreateJobRequest struct {
	ID                  string `json:"id"`
	Reference           string `json:"reference"`
	CustomerID          string `json:"customer_id"`
	CustomerName        string `json:"customer_name"`
	CustomerEmail       string `json:"customer_email"`
	CustomerAddress     string `json:"customer_address"`
	DriverID            string `json:"driver_id"`
	VehicleRegistration string `json:"vehicle_registration"`
	PickupAddress       string `json:"pickup_address"`
	DeliveryAddress     string `json:"delivery_address"`
	Price               string `json:"price"`
	Status              string `json:"status"`
	ScheduledAt         any    `json:"scheduled_at"`
}

type ExpenseDTO struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	DriverID     string `json:"driver_id,omitempty"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	Notes        string `json:"notes,omitempty"`
	IsChargeable bool   `json:"is_chargeable"`
	Date         string `json:"date"`
}

type CreateExpenseRequest struct {
	ID           string `json:"id"`
	DriverID     string `json:"driver_id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	Notes        string `json:"notes"`
	IsChargeable bool   `json:"is_chargeable"`
	Date         any    `json:"date"`
}

// =============================================================================
// INVOICES
// =============================================================================

type CostItemDTO struct {
	ID              string `json:"id"`
	Description     string `json:"description"`
	Quantity        int    `json:"quantity"`
	UnitPrice       string `json:"unit_price"`
	Amount          string `json:"amount"`
	Category        string `json:"category"`
	SourceExpenseID string `json:"source_expense_id,omitempty"`
}

type CustomerDTO struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type InvoiceDTO struct {
	ID            string        `json:"id"`
	InvoiceNumber string        `json:"invoice_number"`
	JobID         string        `json:"job_id"`
	Customer      CustomerDTO   `json:"customer"`
	Items         []CostItemDTO `json:"items"`
	Subtotal      string        `json:"subtotal"`
	TaxRate       string        `json:"tax_rate"`
	TaxAmount     string        `json:"tax_amount"`
	Total         string        `json:"total"`
	Currency      string        `json:"currency"`
	Status        string        `json:"status"`
	PaymentStatus string        `json:"payment_status"`
	InvoiceDate   string        `json:"invoice_date"`
	DueDate       string        `json:"due_date"`
	PaidDate      string        `json:"paid_date,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
	ApprovedBy    string        `json:"approved_by,omitempty"`
	ApprovedAt    string        `json:"approved_at,omitempty"`
	EmailedTo     []string      `json:"emailed_to,omitempty"`
	EmailedAt     string        `json:"emailed_at,omitempty"`
	PrintedAt     string        `json:"printed_at,omitempty"`
	PrintedBy     string        `json:"printed_by,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	Version       int           `json:"version"`
}

// ManualItemRequest is one additional cost line. Omitted fields default to
// quantity 1, unit price 0, category other.
type ManualItemRequest struct {
	Description string  `json:"description"`
	Quantity    *int    `json:"quantity"`
	UnitPrice   *string `json:"unit_price"`
	Category    *string `json:"category"`
}

// CreateInvoiceRequest bills a job. Expenses are picked by ID and/or by
// pulling every chargeable expense of the job.
type CreateInvoiceRequest struct {
	ExpenseIDs        []string            `json:"expense_ids"`
	IncludeChargeable bool                `json:"include_chargeable"`
	IncludeJobPrice   bool                `json:"include_job_price"`
	AdditionalItems   []ManualItemRequest `json:"additional_items"`
	Customer          *CustomerDTO        `json:"customer"`
	Notes             string              `json:"notes"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type SetPaymentStatusRequest struct {
	PaymentStatus string `json:"payment_status"`
	PaidDate      any    `json:"paid_date"`
}

type EmailRequest struct {
	Recipients []string `json:"recipients"`
}

// =============================================================================
// BILLING VIEW, AUDIT, ADMIN
// =============================================================================

type JobBillingDTO struct {
	JobID                        string   `json:"job_id"`
	HasInvoice                   bool     `json:"has_invoice"`
	InvoiceID                    string   `json:"invoice_id,omitempty"`
	TotalExpenses                string   `json:"total_expenses"`
	TotalChargeableExpenses      string   `json:"total_chargeable_expenses"`
	BillingStatus                string   `json:"billing_status"`
	LastBilledDate               string   `json:"last_billed_date,omitempty"`
	InvoiceCount                 int      `json:"invoice_count"`
	TotalInvoiced                string   `json:"total_invoiced"`
	UnbilledChargeableExpenseIDs []string `json:"unbilled_chargeable_expense_ids"`
}

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type OverdueSweepRequest struct {
	AsOf any `json:"as_of"`
}

type OverdueSweepResponse struct {
	AsOf    string `json:"as_of"`
	Updated int    `json:"updated"`
}

type PolicyDTO struct {
	Config factory.PolicyJSON `json:"config"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ScenarioResultDTO struct {
	ScenarioID string        `json:"scenario_id"`
	Steps      []string      `json:"steps"`
	Billing    JobBillingDTO `json:"billing"`
	Invoice    *InvoiceDTO   `json:"invoice,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toJobDTO(j billing.Job) JobDTO {
	return JobDTO{
		ID:                  string(j.ID),
		Reference:           j.Reference,
		CustomerID:          j.CustomerID,
		CustomerName:        j.CustomerName,
		CustomerEmail:       j.CustomerEmail,
		CustomerAddress:     j.CustomerAddress,
		DriverID:            j.DriverID,
		VehicleRegistration: j.VehicleRegistration,
		PickupAddress:       j.PickupAddress,
		DeliveryAddress:     j.DeliveryAddress,
		Price:               j.Price.StringFixed(2),
		Status:              string(j.Status),
		ScheduledAt:         formatTimePtr(j.ScheduledAt),
		CreatedAt:           formatTime(j.CreatedAt),
	}
}

func toExpenseDTO(e billing.Expense) ExpenseDTO {
	return ExpenseDTO{
		ID:           string(e.ID),
		JobID:        string(e.JobID),
		DriverID:     e.DriverID,
		Type:         string(e.Type),
		Amount:       e.Amount.StringFixed(2),
		Notes:        e.Notes,
		IsChargeable: e.IsChargeable,
		Date:         formatTime(e.Date),
	}
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	items := make([]CostItemDTO, len(inv.Items))
	for i, it := range inv.Items {
		items[i] = CostItemDTO{
			ID:          string(it.ID),
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.StringFixed(2),
			Amount:      it.Amount.StringFixed(2),
			Category:    string(it.Category),
		}
		if it.SourceExpenseID != nil {
			items[i].SourceExpenseID = string(*it.SourceExpenseID)
		}
	}

	return InvoiceDTO{
		ID:            string(inv.ID),
		InvoiceNumber: inv.InvoiceNumber,
		JobID:         string(inv.JobID),
		Customer:      CustomerDTO(inv.Customer),
		Items:         items,
		Subtotal:      inv.Subtotal.StringFixed(2),
		TaxRate:       inv.TaxRate.String(),
		TaxAmount:     inv.TaxAmount.StringFixed(2),
		Total:         inv.Total.StringFixed(2),
		Currency:      inv.Currency,
		Status:        string(inv.Status),
		PaymentStatus: string(inv.PaymentStatus),
		InvoiceDate:   formatTime(inv.InvoiceDate),
		DueDate:       formatTime(inv.DueDate),
		PaidDate:      formatTimePtr(inv.PaidDate),
		CreatedBy:     inv.CreatedBy,
		CreatedAt:     formatTime(inv.CreatedAt),
		UpdatedAt:     formatTime(inv.UpdatedAt),
		ApprovedBy:    derefString(inv.ApprovedBy),
		ApprovedAt:    formatTimePtr(inv.ApprovedAt),
		EmailedTo:     inv.EmailedTo,
		EmailedAt:     formatTimePtr(inv.EmailedAt),
		PrintedAt:     formatTimePtr(inv.PrintedAt),
		PrintedBy:     derefString(inv.PrintedBy),
		Notes:         inv.Notes,
		Version:       inv.Version,
	}
}

func toJobBillingDTO(b billing.JobBilling) JobBillingDTO {
	unbilled := make([]string, len(b.UnbilledChargeableExpenseIDs))
	for i, id := range b.UnbilledChargeableExpenseIDs {
		unbilled[i] = string(id)
	}
	dto := JobBillingDTO{
		JobID:                        string(b.JobID),
		HasInvoice:                   b.HasInvoice,
		TotalExpenses:                b.TotalExpenses.StringFixed(2),
		TotalChargeableExpenses:      b.TotalChargeableExpenses.StringFixed(2),
		BillingStatus:                string(b.BillingStatus),
		LastBilledDate:               formatTimePtr(b.LastBilledDate),
		InvoiceCount:                 b.InvoiceCount,
		TotalInvoiced:                b.TotalInvoiced.StringFixed(2),
		UnbilledChargeableExpenseIDs: unbilled,
	}
	if b.InvoiceID != nil {
		dto.InvoiceID = string(*b.InvoiceID)
	}
	return dto
}

func toAuditEntryDTO(e billing.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: formatTime(e.Timestamp),
		ActorID:   e.ActorID,
		Action:    string(e.Action),
		Payload:   e.Payload,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
