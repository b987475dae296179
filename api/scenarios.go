/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	jobs, expenses and invoices and walk them through the billing
	lifecycle, so the derived billing view can be inspected at each step.

AVAILABLE SCENARIOS:

	job-lifecycle:     J1 from not_billed to paid (45.00 fuel billed, 12.50 taxi not)
	overdue-sweep:     Unpaid invoice swept to overdue after its due date
	partial-billing:   Two chargeable expenses, one invoiced, one left unbilled
	reissued-invoice:  First invoice cancelled and replaced; primary stays the first

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create the job and its expenses
 3. Create invoices through the aggregator
 4. Drive transitions through the lifecycle manager
 5. Record the billing status after every step

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "job-lifecycle"}

USAGE VIA CLI:

	billing-server seed job-lifecycle

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: error mapping shared with the scenario handlers
  - cmd/server/main.go: seed command
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenarios lists the loadable demo scenarios.
var Scenarios = []ScenarioDTO{
	{
		ID:          "job-lifecycle",
		Name:        "Job Lifecycle",
		Description: "Bill a chargeable fuel expense, approve, send and collect payment",
	},
	{
		ID:          "overdue-sweep",
		Name:        "Overdue Sweep",
		Description: "Sent invoice passes its due date and is swept to overdue",
	},
	{
		ID:          "partial-billing",
		Name:        "Partial Billing",
		Description: "Only one of two chargeable expenses is invoiced",
	},
	{
		ID:          "reissued-invoice",
		Name:        "Reissued Invoice",
		Description: "An invoice is cancelled and replaced by a corrected one",
	},
}

// scenarioActor is recorded on every scenario transition.
const scenarioActor = "scenario"

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range Scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and runs a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = ""

	result, err := RunScenario(r.Context(), h.Engine, req.ScenarioID)
	if err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
			return
		}
		h.writeEngineError(w, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SCENARIO RUNNER
// =============================================================================

var errUnknownScenario = errors.New("unknown scenario")

// RunScenario resets the engine's store and plays scenario id against it.
func RunScenario(ctx context.Context, eng *factory.Engine, id string) (*ScenarioResultDTO, error) {
	var load func(context.Context, *scenarioRun) error
	switch id {
	case "job-lifecycle":
		load = loadJobLifecycleScenario
	case "overdue-sweep":
		load = loadOverdueSweepScenario
	case "partial-billing":
		load = loadPartialBillingScenario
	case "reissued-invoice":
		load = loadReissuedInvoiceScenario
	default:
		return nil, errUnknownScenario
	}

	if err := eng.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset store: %w", err)
	}

	run := &scenarioRun{eng: eng, now: eng.Lifecycle.Clock()}
	if err := load(ctx, run); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}

	result := &ScenarioResultDTO{ScenarioID: id, Steps: run.steps}
	view, err := eng.Reconciler.JobBilling(ctx, run.jobID)
	if err != nil {
		return nil, err
	}
	result.Billing = toJobBillingDTO(*view)
	if run.invoice != nil {
		inv, err := eng.Lifecycle.Get(ctx, run.invoice.ID)
		if err != nil {
			return nil, err
		}
		dto := toInvoiceDTO(*inv)
		result.Invoice = &dto
	}
	return result, nil
}

// scenarioRun tracks the job under test and a step log.
type scenarioRun struct {
	eng     *factory.Engine
	now     time.Time
	jobID   billing.JobID
	invoice *billing.Invoice
	steps   []string
}

func (s *scenarioRun) job(ctx context.Context, id billing.JobID, customer, price string) error {
	s.jobID = id
	scheduled := s.now.AddDate(0, 0, -2)
	return s.eng.Store.SaveJob(ctx, billing.Job{
		ID:                  id,
		Reference:           "MOV-" + string(id),
		CustomerID:          "cust-" + string(id),
		CustomerName:        customer,
		CustomerEmail:       "accounts@example.com",
		CustomerAddress:     "1 Depot Road, Leeds",
		DriverID:            "driver-1",
		VehicleRegistration: "YX21 ABC",
		PickupAddress:       "Leeds",
		DeliveryAddress:     "Manchester",
		Price:               billing.MustParseMoney(price),
		Status:              billing.JobCompleted,
		ScheduledAt:         &scheduled,
		CreatedAt:           s.now.AddDate(0, 0, -3),
		UpdatedAt:           s.now.AddDate(0, 0, -1),
	})
}

func (s *scenarioRun) expense(ctx context.Context, id billing.ExpenseID, typ billing.ExpenseType, amount string, chargeable bool) error {
	return s.eng.Store.SaveExpense(ctx, billing.Expense{
		ID:           id,
		JobID:        s.jobID,
		DriverID:     "driver-1",
		Type:         typ,
		Amount:       billing.MustParseMoney(amount),
		IsChargeable: chargeable,
		Date:         s.now.AddDate(0, 0, -2),
		CreatedAt:    s.now.AddDate(0, 0, -2),
	})
}

// step records a description together with the job's billing status.
func (s *scenarioRun) step(ctx context.Context, desc string) error {
	view, err := s.eng.Reconciler.JobBilling(ctx, s.jobID)
	if err != nil {
		return err
	}
	s.steps = append(s.steps, fmt.Sprintf("%s: %s", desc, view.BillingStatus))
	return nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

func loadJobLifecycleScenario(ctx context.Context, s *scenarioRun) error {
	if err := s.job(ctx, "J1", "Acme Motors", "0"); err != nil {
		return err
	}
	if err := s.expense(ctx, "E1", billing.ExpenseFuel, "45.00", true); err != nil {
		return err
	}
	if err := s.expense(ctx, "E2", billing.ExpenseTaxi, "12.50", false); err != nil {
		return err
	}
	if err := s.step(ctx, "expenses recorded"); err != nil {
		return err
	}

	inv, err := s.eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{
		JobID:      s.jobID,
		ExpenseIDs: []billing.ExpenseID{"E1"},
		CreatedBy:  scenarioActor,
	})
	if err != nil {
		return err
	}
	s.invoice = inv
	if err := s.step(ctx, "draft invoice "+inv.InvoiceNumber+" created"); err != nil {
		return err
	}

	if _, err := s.eng.Lifecycle.SetStatus(ctx, inv.ID, billing.StatusApproved, scenarioActor); err != nil {
		return err
	}
	if _, err := s.eng.Lifecycle.SetStatus(ctx, inv.ID, billing.StatusSent, scenarioActor); err != nil {
		return err
	}
	if err := s.step(ctx, "approved and sent"); err != nil {
		return err
	}

	if _, err := s.eng.Lifecycle.SetPaymentStatus(ctx, inv.ID, billing.PaymentPaid, nil, scenarioActor); err != nil {
		return err
	}
	return s.step(ctx, "payment received")
}

func loadOverdueSweepScenario(ctx context.Context, s *scenarioRun) error {
	if err := s.job(ctx, "J2", "Northern Fleet Ltd", "250.00"); err != nil {
		return err
	}
	inv, err := s.eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{
		JobID:           s.jobID,
		IncludeJobPrice: true,
		CreatedBy:       scenarioActor,
	})
	if err != nil {
		return err
	}
	s.invoice = inv

	if _, err := s.eng.Lifecycle.SetStatus(ctx, inv.ID, billing.StatusApproved, scenarioActor); err != nil {
		return err
	}
	if _, err := s.eng.Lifecycle.MarkEmailed(ctx, inv.ID, []string{"accounts@example.com"}, scenarioActor); err != nil {
		return err
	}
	if err := s.step(ctx, "invoice emailed"); err != nil {
		return err
	}

	n, err := s.eng.Lifecycle.MarkOverdue(ctx, inv.DueDate.Add(24*time.Hour), scenarioActor)
	if err != nil {
		return err
	}
	return s.step(ctx, fmt.Sprintf("sweep one day after due date marked %d overdue", n))
}

func loadPartialBillingScenario(ctx context.Context, s *scenarioRun) error {
	if err := s.job(ctx, "J3", "Harbour Logistics", "180.00"); err != nil {
		return err
	}
	if err := s.expense(ctx, "E31", billing.ExpenseToll, "6.40", true); err != nil {
		return err
	}
	if err := s.expense(ctx, "E32", billing.ExpenseParking, "12.00", true); err != nil {
		return err
	}
	if err := s.expense(ctx, "E33", billing.ExpenseTrain, "23.10", false); err != nil {
		return err
	}

	inv, err := s.eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{
		JobID:           s.jobID,
		ExpenseIDs:      []billing.ExpenseID{"E31"},
		IncludeJobPrice: true,
		AdditionalItems: []billing.ManualItem{{Description: "Waiting time", UnitPrice: moneyPtr("15.00")}},
		CreatedBy:       scenarioActor,
	})
	if err != nil {
		return err
	}
	s.invoice = inv
	return s.step(ctx, "toll and base price invoiced, parking left unbilled")
}

func loadReissuedInvoiceScenario(ctx context.Context, s *scenarioRun) error {
	if err := s.job(ctx, "J4", "Coastal Cars", "120.00"); err != nil {
		return err
	}
	if err := s.expense(ctx, "E41", billing.ExpenseFuel, "38.25", true); err != nil {
		return err
	}

	first, err := s.eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{
		JobID:           s.jobID,
		IncludeJobPrice: true,
		CreatedBy:       scenarioActor,
		Notes:           "fuel missing",
	})
	if err != nil {
		return err
	}
	if _, err := s.eng.Lifecycle.SetStatus(ctx, first.ID, billing.StatusCancelled, scenarioActor); err != nil {
		return err
	}
	if err := s.step(ctx, "first invoice cancelled"); err != nil {
		return err
	}

	second, err := s.eng.Aggregator.CreateInvoiceFromJob(ctx, billing.CreateInvoiceInput{
		JobID:             s.jobID,
		IncludeJobPrice:   true,
		IncludeChargeable: true,
		CreatedBy:         scenarioActor,
		Notes:             "replaces " + first.InvoiceNumber,
	})
	if err != nil {
		return err
	}
	s.invoice = second
	if _, err := s.eng.Lifecycle.SetStatus(ctx, second.ID, billing.StatusPending, scenarioActor); err != nil {
		return err
	}
	return s.step(ctx, "replacement invoice pending")
}

func moneyPtr(s string) *billing.Money {
	m := billing.MustParseMoney(s)
	return &m
}
