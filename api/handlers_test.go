package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var testNow = time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	engine *factory.Engine
	srv    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	eng := factory.Memory(billing.DefaultPolicy(), func() time.Time { return testNow })
	h := api.NewHandler(eng, zerolog.Nop())
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{AllowedOrigins: []string{"*"}}))
	t.Cleanup(srv.Close)
	return &testServer{t: t, engine: eng, srv: srv}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (s *testServer) do(method, path string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.ActorHeader, "ops-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) seedJ1() {
	s.t.Helper()
	var job api.JobDTO
	require.Equal(s.t, http.StatusCreated, s.do("POST", "/api/jobs", api.CreateJobRequest{
		ID: "J1", CustomerName: "Acme Motors", CustomerEmail: "ap@acme.test", Price: "0", Status: "completed",
	}, &job))

	var exp api.ExpenseDTO
	require.Equal(s.t, http.StatusCreated, s.do("POST", "/api/jobs/J1/expenses", api.CreateExpenseRequest{
		ID: "E1", Type: "fuel", Amount: "45.00", IsChargeable: true, Date: "2025-03-12",
	}, &exp))
	require.Equal(s.t, http.StatusCreated, s.do("POST", "/api/jobs/J1/expenses", api.CreateExpenseRequest{
		ID: "E2", Type: "taxi", Amount: "12.50", Date: "2025-03-12",
	}, &exp))
}

// =============================================================================
// JOBS & EXPENSES
// =============================================================================

func TestCreateJob_Validation(t *testing.T) {
	s := newTestServer(t)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/jobs", api.CreateJobRequest{Price: "10"}, &errResp))
	assert.Equal(t, "customer_name is required", errResp.Error)

	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/jobs", api.CreateJobRequest{CustomerName: "A", Price: "-1"}, &errResp))
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/jobs", api.CreateJobRequest{CustomerName: "A", Status: "lost"}, &errResp))
}

func TestCreateExpense_UnknownJob(t *testing.T) {
	s := newTestServer(t)

	var errResp api.ErrorResponse
	status := s.do("POST", "/api/jobs/nope/expenses", api.CreateExpenseRequest{Amount: "1"}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestExpenses_ListAndDelete(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	var expenses []api.ExpenseDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/jobs/J1/expenses", nil, &expenses))
	require.Len(t, expenses, 2)
	assert.Equal(t, "45.00", expenses[0].Amount)
	assert.Equal(t, "2025-03-12T00:00:00Z", expenses[0].Date)

	assert.Equal(t, http.StatusNoContent, s.do("DELETE", "/api/expenses/E2", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do("DELETE", "/api/expenses/E2", nil, &api.ErrorResponse{}))
}

// =============================================================================
// INVOICES
// =============================================================================

func TestInvoiceLifecycle_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	// GIVEN: J1 is not billed
	var view api.JobBillingDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/jobs/J1/billing", nil, &view))
	assert.Equal(t, "not_billed", view.BillingStatus)
	assert.Equal(t, "57.50", view.TotalExpenses)
	assert.Equal(t, []string{"E1"}, view.UnbilledChargeableExpenseIDs)

	// WHEN: invoicing the chargeable expenses
	var inv api.InvoiceDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{IncludeChargeable: true}, &inv))

	// THEN: amounts are exact and rendered with two decimals
	assert.Equal(t, "INV-20250314-000001", inv.InvoiceNumber)
	assert.Equal(t, "45.00", inv.Subtotal)
	assert.Equal(t, "9.00", inv.TaxAmount)
	assert.Equal(t, "54.00", inv.Total)
	assert.Equal(t, "draft", inv.Status)
	assert.Equal(t, "outstanding", inv.PaymentStatus)
	assert.Equal(t, "ops-1", inv.CreatedBy)
	assert.Equal(t, "Acme Motors", inv.Customer.Name)
	require.Len(t, inv.Items, 1)
	assert.Equal(t, "E1", inv.Items[0].SourceExpenseID)
	assert.Equal(t, "fuel", inv.Items[0].Category)

	// WHEN: approve, email, pay
	require.Equal(t, http.StatusOK, s.do("POST", "/api/invoices/"+inv.ID+"/status", api.SetStatusRequest{Status: "approved"}, &inv))
	assert.Equal(t, "ops-1", inv.ApprovedBy)

	require.Equal(t, http.StatusOK, s.do("POST", "/api/invoices/"+inv.ID+"/email", api.EmailRequest{Recipients: []string{"ap@acme.test"}}, &inv))
	assert.Equal(t, "sent", inv.Status)
	assert.Equal(t, []string{"ap@acme.test"}, inv.EmailedTo)

	require.Equal(t, http.StatusOK, s.do("GET", "/api/jobs/J1/billing", nil, &view))
	assert.Equal(t, "invoiced", view.BillingStatus)
	assert.Equal(t, inv.ID, view.InvoiceID)

	require.Equal(t, http.StatusOK, s.do("POST", "/api/invoices/"+inv.ID+"/payment-status", api.SetPaymentStatusRequest{PaymentStatus: "paid", PaidDate: "2025-03-20"}, &inv))
	assert.Equal(t, "paid", inv.PaymentStatus)
	assert.Equal(t, "2025-03-20T00:00:00Z", inv.PaidDate)

	require.Equal(t, http.StatusOK, s.do("GET", "/api/jobs/J1/billing", nil, &view))
	assert.Equal(t, "paid", view.BillingStatus)

	// AND: the audit trail records every step with the actor
	var trail []api.AuditEntryDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/invoices/"+inv.ID+"/audit", nil, &trail))
	require.Len(t, trail, 4)
	assert.Equal(t, "invoice.created", trail[0].Action)
	assert.Equal(t, "invoice.payment_status_changed", trail[3].Action)
	assert.Equal(t, "ops-1", trail[3].ActorID)
}

func TestSetStatus_InvalidTransitionIsConflict(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	var inv api.InvoiceDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{ExpenseIDs: []string{"E1"}}, &inv))

	// WHEN: skipping approval
	var errResp api.ErrorResponse
	status := s.do("POST", "/api/invoices/"+inv.ID+"/status", api.SetStatusRequest{Status: "sent"}, &errResp)

	// THEN: 409 with the reason
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, errResp.Details, "cannot change status from draft to sent")
}

func TestCreateInvoice_Errors(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	var errResp api.ErrorResponse

	// No items at all
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{}, &errResp))

	// Unknown job
	assert.Equal(t, http.StatusNotFound, s.do("POST", "/api/jobs/nope/invoices", api.CreateInvoiceRequest{IncludeJobPrice: true}, &errResp))

	// Bad manual item category
	cat := "catering"
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{
		AdditionalItems: []api.ManualItemRequest{{Description: "x", Category: &cat}},
	}, &errResp))
	assert.Contains(t, errResp.Details, "additional_items[0].category")

	// Malformed body
	req, _ := http.NewRequest("POST", s.srv.URL+"/api/jobs/J1/invoices", bytes.NewBufferString("{"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Nothing was persisted
	var invoices []api.InvoiceDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/invoices", nil, &invoices))
	assert.Empty(t, invoices)
}

func TestListInvoices_Filters(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	var first, second api.InvoiceDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{ExpenseIDs: []string{"E1"}}, &first))
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{ExpenseIDs: []string{"E2"}}, &second))
	require.Equal(t, http.StatusOK, s.do("POST", "/api/invoices/"+second.ID+"/status", api.SetStatusRequest{Status: "cancelled"}, &second))

	var got []api.InvoiceDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/invoices?status=draft", nil, &got))
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)

	require.Equal(t, http.StatusOK, s.do("GET", "/api/invoices?status=draft,cancelled&job_id=J1", nil, &got))
	assert.Len(t, got, 2)

	require.Equal(t, http.StatusOK, s.do("GET", "/api/jobs/J1/invoices", nil, &got))
	assert.Len(t, got, 2)

	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/api/invoices?payment_status=lost", nil, &api.ErrorResponse{}))
}

func TestEmail_EmptyRecipients(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	var inv api.InvoiceDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{ExpenseIDs: []string{"E1"}}, &inv))

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/invoices/"+inv.ID+"/email", api.EmailRequest{Recipients: []string{" "}}, &errResp))

	require.Equal(t, http.StatusOK, s.do("GET", "/api/invoices/"+inv.ID, nil, &inv))
	assert.Equal(t, "draft", inv.Status)
	assert.Empty(t, inv.EmailedAt)
}

func TestPrintAndDelete(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	var inv api.InvoiceDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{ExpenseIDs: []string{"E1"}}, &inv))

	require.Equal(t, http.StatusOK, s.do("POST", "/api/invoices/"+inv.ID+"/print", nil, &inv))
	assert.Equal(t, "ops-1", inv.PrintedBy)
	assert.Equal(t, "draft", inv.Status)

	assert.Equal(t, http.StatusNoContent, s.do("DELETE", "/api/invoices/"+inv.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do("GET", "/api/invoices/"+inv.ID, nil, &api.ErrorResponse{}))

	// The trail survives the invoice
	var trail []api.AuditEntryDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/invoices/"+inv.ID+"/audit", nil, &trail))
	assert.Len(t, trail, 3)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestOverdueSweep(t *testing.T) {
	s := newTestServer(t)
	s.seedJ1()

	var inv api.InvoiceDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/jobs/J1/invoices", api.CreateInvoiceRequest{ExpenseIDs: []string{"E1"}}, &inv))

	// Not yet due
	var res api.OverdueSweepResponse
	require.Equal(t, http.StatusOK, s.do("POST", "/api/admin/overdue-sweep", nil, &res))
	assert.Equal(t, 0, res.Updated)

	// 31 days later
	require.Equal(t, http.StatusOK, s.do("POST", "/api/admin/overdue-sweep", api.OverdueSweepRequest{AsOf: "2025-04-14"}, &res))
	assert.Equal(t, 1, res.Updated)

	require.Equal(t, http.StatusOK, s.do("GET", "/api/invoices/"+inv.ID, nil, &inv))
	assert.Equal(t, "overdue", inv.PaymentStatus)
}

func TestGetPolicy(t *testing.T) {
	s := newTestServer(t)

	var policy api.PolicyDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/policy", nil, &policy))
	assert.Equal(t, factory.PolicyJSON{TaxRate: "0.2", PaymentTermDays: 30, Currency: "GBP"}, policy.Config)
}
