/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the aggregator, lifecycle manager
  and reconciler.

ENDPOINTS:
  Jobs:
    GET    /api/jobs                      List jobs
    POST   /api/jobs                      Create or replace a job
    GET    /api/jobs/{id}                 Get job
    GET    /api/jobs/{id}/expenses        List the job's expenses
    POST   /api/jobs/{id}/expenses        Record an expense
    GET    /api/jobs/{id}/billing         Derived billing view
    GET    /api/jobs/{id}/invoices        The job's invoices
    POST   /api/jobs/{id}/invoices        Create an invoice from the job

  Expenses:
    DELETE /api/expenses/{id}             Remove an expense

  Invoices:
    GET    /api/invoices                  List (status, payment_status, job_id, limit)
    GET    /api/invoices/{id}             Get invoice
    DELETE /api/invoices/{id}             Delete (unpaid only)
    POST   /api/invoices/{id}/status          Document status transition
    POST   /api/invoices/{id}/payment-status  Payment status transition
    POST   /api/invoices/{id}/email       Record email delivery
    POST   /api/invoices/{id}/print       Record printing
    GET    /api/invoices/{id}/audit       Audit trail

  Admin:
    POST   /api/admin/overdue-sweep       Mark past-due invoices overdue
    GET    /api/policy                    Active commercial terms

ACTOR:
  The acting principal comes from the X-Actor-ID header and defaults to
  "system". There is no authentication.

ERROR HANDLING:
  Errors are returned as JSON {error, details}:
  - 400: Validation errors, malformed input
  - 404: Job, expense or invoice not found
  - 409: Invalid transition, concurrent modification
  - 500: Persistence failures

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// ActorHeader names the acting principal.
const ActorHeader = "X-Actor-ID"

const defaultActor = "system"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *factory.Engine
	Logger zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *factory.Engine, logger zerolog.Logger) *Handler {
	return &Handler{Engine: engine, Logger: logger}
}

func (h *Handler) now() time.Time {
	return h.Engine.Lifecycle.Clock()
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// ListJobs returns all jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Engine.Store.ListJobs(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list jobs", err)
		return
	}

	dtos := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = toJobDTO(j)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetJob returns a single job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// CreateJob creates or replaces a job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	if strings.TrimSpace(req.CustomerName) == "" {
		writeError(w, http.StatusBadRequest, "customer_name is required", nil)
		return
	}
	price := billing.Money{}
	if req.Price != "" {
		p, err := billing.ParseMoney(req.Price)
		if err != nil || p.IsNegative() {
			writeError(w, http.StatusBadRequest, "price must be a non-negative decimal", err)
			return
		}
		price = p
	}
	status := billing.JobPending
	if req.Status != "" {
		status = billing.JobStatus(req.Status)
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job status %q", req.Status), nil)
		return
	}

	now := h.now()
	job := billing.Job{
		ID:                  billing.JobID(req.ID),
		Reference:           req.Reference,
		CustomerID:          req.CustomerID,
		CustomerName:        req.CustomerName,
		CustomerEmail:       req.CustomerEmail,
		CustomerAddress:     req.CustomerAddress,
		DriverID:            req.DriverID,
		VehicleRegistration: req.VehicleRegistration,
		PickupAddress:       req.PickupAddress,
		DeliveryAddress:     req.DeliveryAddress,
		Price:               price,
		Status:              status,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if job.ID == "" {
		job.ID = billing.JobID(uuid.NewString())
	}
	if req.ScheduledAt != nil {
		at, ok := billing.ToTime(req.ScheduledAt)
		if !ok {
			writeError(w, http.StatusBadRequest, "scheduled_at is not a recognised date", nil)
			return
		}
		job.ScheduledAt = &at
	}

	if existing, err := h.Engine.Store.GetJob(r.Context(), job.ID); err == nil {
		job.CreatedAt = existing.CreatedAt
	}

	if err := h.Engine.Store.SaveJob(r.Context(), job); err != nil {
		h.writeEngineError(w, "Failed to save job", err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobDTO(job))
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// ListExpenses returns the job's expenses.
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	expenses, err := h.Engine.Store.ExpensesByJob(r.Context(), job.ID)
	if err != nil {
		h.writeEngineError(w, "Failed to list expenses", err)
		return
	}

	dtos := make([]ExpenseDTO, len(expenses))
	for i, e := range expenses {
		dtos[i] = toExpenseDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateExpense records a driver expense against the job.
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	var req CreateExpenseRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	amount, err := billing.ParseMoney(req.Amount)
	if err != nil || amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative decimal", err)
		return
	}
	typ := billing.ExpenseOther
	if req.Type != "" {
		typ = billing.ExpenseType(req.Type)
	}

	now := h.now()
	date := now
	if req.Date != nil {
		d, ok := billing.ToTime(req.Date)
		if !ok {
			writeError(w, http.StatusBadRequest, "date is not a recognised date", nil)
			return
		}
		date = d
	}

	expense := billing.Expense{
		ID:           billing.ExpenseID(req.ID),
		JobID:        job.ID,
		DriverID:     req.DriverID,
		Type:         typ,
		Amount:       amount,
		Notes:        req.Notes,
		IsChargeable: req.IsChargeable,
		Date:         date,
		CreatedAt:    now,
	}
	if expense.ID == "" {
		expense.ID = billing.ExpenseID(uuid.NewString())
	}
	if expense.DriverID == "" {
		expense.DriverID = job.DriverID
	}

	if err := h.Engine.Store.SaveExpense(r.Context(), expense); err != nil {
		h.writeEngineError(w, "Failed to save expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseDTO(expense))
}

// DeleteExpense removes an expense. Invoices already issued keep their
// snapshot of it.
func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := billing.ExpenseID(chi.URLParam(r, "id"))
	if err := h.Engine.Store.DeleteExpense(r.Context(), id); err != nil {
		if billing.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Expense not found", err)
			return
		}
		h.writeEngineError(w, "Failed to delete expense", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BILLING VIEW
// =============================================================================

// GetJobBilling returns the derived billing summary of a job.
func (h *Handler) GetJobBilling(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.Reconciler.JobBilling(r.Context(), billing.JobID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to compute job billing", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobBillingDTO(*view))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListJobInvoices returns every invoice of the job, newest first.
func (h *Handler) ListJobInvoices(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	h.listInvoices(w, r, billing.InvoiceFilter{JobID: &job.ID})
}

// CreateInvoice bills a job.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	in := billing.CreateInvoiceInput{
		JobID:             billing.JobID(chi.URLParam(r, "id")),
		IncludeChargeable: req.IncludeChargeable,
		IncludeJobPrice:   req.IncludeJobPrice,
		CreatedBy:         actor(r),
		Notes:             req.Notes,
	}
	for _, id := range req.ExpenseIDs {
		in.ExpenseIDs = append(in.ExpenseIDs, billing.ExpenseID(id))
	}
	for i, item := range req.AdditionalItems {
		m, err := toManualItem(item)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("additional_items[%d].unit_price is not a decimal", i), err)
			return
		}
		in.AdditionalItems = append(in.AdditionalItems, m)
	}
	if req.Customer != nil {
		c := billing.CustomerInfo(*req.Customer)
		in.Customer = &c
	}

	inv, err := h.Engine.Aggregator.CreateInvoiceFromJob(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, "Failed to create invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

// ListInvoices returns invoices matching the query filters.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter billing.InvoiceFilter

	if jobID := q.Get("job_id"); jobID != "" {
		id := billing.JobID(jobID)
		filter.JobID = &id
	}
	for _, s := range splitList(q.Get("status")) {
		st := billing.InvoiceStatus(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s), nil)
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, s := range splitList(q.Get("payment_status")) {
		ps := billing.PaymentStatus(s)
		if !ps.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown payment status %q", s), nil)
			return
		}
		filter.PaymentStatuses = append(filter.PaymentStatuses, ps)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		filter.Limit = n
	}

	h.listInvoices(w, r, filter)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request, filter billing.InvoiceFilter) {
	invoices, err := h.Engine.Lifecycle.List(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list invoices", err)
		return
	}
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns a single invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Lifecycle.Get(r.Context(), invoiceID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to load invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// DeleteInvoice removes an unpaid invoice.
func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Lifecycle.Delete(r.Context(), invoiceID(r), actor(r)); err != nil {
		h.writeEngineError(w, "Failed to delete invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetStatus moves the document status.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	inv, err := h.Engine.Lifecycle.SetStatus(r.Context(), invoiceID(r), billing.InvoiceStatus(req.Status), actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to change status", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// SetPaymentStatus moves the payment status.
func (h *Handler) SetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req SetPaymentStatusRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	var paidDate *time.Time
	if req.PaidDate != nil {
		d, ok := billing.ToTime(req.PaidDate)
		if !ok {
			writeError(w, http.StatusBadRequest, "paid_date is not a recognised date", nil)
			return
		}
		paidDate = &d
	}

	inv, err := h.Engine.Lifecycle.SetPaymentStatus(r.Context(), invoiceID(r), billing.PaymentStatus(req.PaymentStatus), paidDate, actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to change payment status", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// EmailInvoice records delivery by email.
func (h *Handler) EmailInvoice(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	inv, err := h.Engine.Lifecycle.MarkEmailed(r.Context(), invoiceID(r), req.Recipients, actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to mark invoice emailed", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// PrintInvoice records printing.
func (h *Handler) PrintInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Lifecycle.MarkPrinted(r.Context(), invoiceID(r), actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to mark invoice printed", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// GetAuditTrail returns the invoice's events oldest first. Deleted invoices
// keep their trail.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Audit.AuditTrail(r.Context(), invoiceID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to load audit trail", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN
// =============================================================================

// TriggerOverdueSweep marks invoices past due as overdue. The body may
// carry as_of; it defaults to now.
func (h *Handler) TriggerOverdueSweep(w http.ResponseWriter, r *http.Request) {
	var req OverdueSweepRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	asOf := h.now()
	if req.AsOf != nil {
		d, ok := billing.ToTime(req.AsOf)
		if !ok {
			writeError(w, http.StatusBadRequest, "as_of is not a recognised date", nil)
			return
		}
		asOf = d
	}

	n, err := h.Engine.Lifecycle.MarkOverdue(r.Context(), asOf, actor(r))
	if err != nil {
		h.writeEngineError(w, "Overdue sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, OverdueSweepResponse{AsOf: formatTime(asOf), Updated: n})
}

// GetPolicy returns the commercial terms applied to new invoices.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PolicyDTO{Config: factory.ToJSON(h.Engine.Policy)})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*billing.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := h.Engine.Store.GetJob(r.Context(), billing.JobID(id))
	if err != nil {
		if billing.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Job not found", err)
			return nil, false
		}
		h.writeEngineError(w, "Failed to load job", err)
		return nil, false
	}
	return job, true
}

// writeEngineError maps the engine error taxonomy to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrInvalidTransition), billing.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decodeBody reads a JSON body into dst. An empty body is accepted unless
// required is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (errors.Is(err, io.EOF) && !required) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return defaultActor
}

func invoiceID(r *http.Request) billing.InvoiceID {
	return billing.InvoiceID(chi.URLParam(r, "id"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toManualItem(req ManualItemRequest) (billing.ManualItem, error) {
	m := billing.ManualItem{Description: req.Description, Quantity: req.Quantity}
	if req.UnitPrice != nil {
		p, err := billing.ParseMoney(*req.UnitPrice)
		if err != nil {
			return m, err
		}
		m.UnitPrice = &p
	}
	if req.Category != nil {
		c := billing.Category(*req.Category)
		m.Category = &c
	}
	return m, nil
}
