/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the database with a kite
	school catalogue, orders and appointments, each showing one ledger
	behaviour end to end.

AVAILABLE SCENARIOS:

	package-purchase:      2 x "10h course" -> one 20h credit; re-issue is a no-op
	orphan-attach:         4h lesson taken before payment, then 10h bought -> 6h left
	cancelled-appointment: 100h appointment cancelled -> ignored by the balance
	order-cancellation:    order removed -> its credits go, appointments orphaned
	over-attachment:       11h of orphans meet a 10h credit -> negative balance
	storage-months:        fractional month consumption on a board storage plan

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Import the catalogue via factory
 3. Create orders and appointments through credit.Writer
 4. Insert order-items through the ledger (issuance + reconciliation)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "orphan-attach"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/catalog.go: Catalogue JSON
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kiteflow/credit-engine/credit"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "package-purchase",
		Name:        "Package Purchase",
		Description: "Two 10h courses in one order-item issue a single 20h credit; a repeated issuance changes nothing",
	},
	{
		ID:          "orphan-attach",
		Name:        "Orphan Attach",
		Description: "A completed 4h lesson booked before payment is attached to the 10h credit bought afterwards",
	},
	{
		ID:          "cancelled-appointment",
		Name:        "Cancelled Appointment",
		Description: "A cancelled 100h booking on a 10h credit does not count against the balance",
	},
	{
		ID:          "order-cancellation",
		Name:        "Order Cancellation",
		Description: "Cancelling an order removes its credits and orphans the appointments that used them",
	},
	{
		ID:          "over-attachment",
		Name:        "Over-Attachment",
		Description: "11h of unpaid lessons meet a 10h credit; the balance goes negative and is surfaced",
	},
	{
		ID:          "storage-months",
		Name:        "Board Storage",
		Description: "Monthly storage plan consumed in half-month steps",
	},
}

// demoCatalog is shared by every scenario.
const demoCatalog = `{
  "services": [
    {"id": "svc-lesson",  "name": "Private kite lesson", "unit": "hours"},
    {"id": "svc-rental",  "name": "Board rental",        "unit": "days"},
    {"id": "svc-storage", "name": "Board storage",       "unit": "months"},
    {"id": "svc-repair",  "name": "Kite repair",         "unit": "none"}
  ],
  "packages": [
    {"id": "pkg-10h",     "name": "10h course",       "service_id": "svc-lesson",  "duration_hours": 10},
    {"id": "pkg-week",    "name": "Rental week",      "service_id": "svc-rental",  "duration_days": 7},
    {"id": "pkg-season",  "name": "Half season",      "service_id": "svc-storage", "duration_months": "1.5"}
  ]
}`

const demoCustomer = credit.CustomerID("cust-5")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := h.scenarioLoader(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setScenario("")

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setScenario(req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) scenarioLoader(id string) (func(context.Context) error, bool) {
	switch id {
	case "package-purchase":
		return h.loadPackagePurchaseScenario, true
	case "orphan-attach":
		return h.loadOrphanAttachScenario, true
	case "cancelled-appointment":
		return h.loadCancelledAppointmentScenario, true
	case "order-cancellation":
		return h.loadOrderCancellationScenario, true
	case "over-attachment":
		return h.loadOverAttachmentScenario, true
	case "storage-months":
		return h.loadStorageMonthsScenario, true
	}
	return nil, false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPackagePurchaseScenario(ctx context.Context) error {
	if err := h.seedCatalogAndOrder(ctx, "ord-1"); err != nil {
		return err
	}
	if _, err := h.addItem(ctx, "ord-1", "oi-1", credit.ItemServicePackage, "pkg-10h", 2); err != nil {
		return err
	}

	// Duplicate fire: the credit count for oi-1 stays at one.
	out, err := h.Ledger.IssueForOrderItem(ctx, "oi-1")
	if err != nil {
		return err
	}
	if out.Status != credit.IssueAlreadyIssued {
		return fmt.Errorf("re-issue for oi-1 returned %s", out.Status)
	}
	return nil
}

func (h *Handler) loadOrphanAttachScenario(ctx context.Context) error {
	if err := h.seedCatalogAndOrder(ctx, "ord-1"); err != nil {
		return err
	}

	// Lesson taken before the course was paid for.
	orphan := h.appointment("appt-1", "svc-lesson", credit.UnitHours, 4, -48*time.Hour)
	orphan.Status = credit.ConsumptionCompleted
	if err := h.Store.SaveAppointment(ctx, orphan); err != nil {
		return err
	}

	_, err := h.addItem(ctx, "ord-1", "oi-1", credit.ItemService, "svc-lesson", 10)
	return err
}

func (h *Handler) loadCancelledAppointmentScenario(ctx context.Context) error {
	if err := h.seedCatalogAndOrder(ctx, "ord-1"); err != nil {
		return err
	}
	out, err := h.addItem(ctx, "ord-1", "oi-1", credit.ItemService, "svc-lesson", 10)
	if err != nil {
		return err
	}

	cancelledAt := h.Ledger.Now()
	appt := h.appointment("appt-1", "svc-lesson", credit.UnitHours, 100, 24*time.Hour)
	appt.CreditID = &out.Credit.ID
	appt.CancelledAt = &cancelledAt
	return h.Store.SaveAppointment(ctx, appt)
}

func (h *Handler) loadOrderCancellationScenario(ctx context.Context) error {
	if err := h.seedCatalogAndOrder(ctx, "ord-1"); err != nil {
		return err
	}
	lessons, err := h.addItem(ctx, "ord-1", "oi-1", credit.ItemServicePackage, "pkg-10h", 1)
	if err != nil {
		return err
	}
	if _, err := h.addItem(ctx, "ord-1", "oi-2", credit.ItemServicePackage, "pkg-week", 1); err != nil {
		return err
	}

	for i, hours := range []float64{2, 1.5} {
		appt := h.appointment(fmt.Sprintf("appt-%d", i+1), "svc-lesson", credit.UnitHours, hours, time.Duration(i+1)*24*time.Hour)
		appt.CreditID = &lessons.Credit.ID
		if err := h.Store.SaveAppointment(ctx, appt); err != nil {
			return err
		}
	}

	_, err = h.Ledger.CancelOrder(ctx, "ord-1")
	return err
}

func (h *Handler) loadOverAttachmentScenario(ctx context.Context) error {
	if err := h.seedCatalogAndOrder(ctx, "ord-1"); err != nil {
		return err
	}
	for i, hours := range []float64{6, 5} {
		appt := h.appointment(fmt.Sprintf("appt-%d", i+1), "svc-lesson", credit.UnitHours, hours, time.Duration(i-3)*24*time.Hour)
		appt.Status = credit.ConsumptionCompleted
		if err := h.Store.SaveAppointment(ctx, appt); err != nil {
			return err
		}
	}
	_, err := h.addItem(ctx, "ord-1", "oi-1", credit.ItemServicePackage, "pkg-10h", 1)
	return err
}

func (h *Handler) loadStorageMonthsScenario(ctx context.Context) error {
	if err := h.seedCatalogAndOrder(ctx, "ord-1"); err != nil {
		return err
	}
	out, err := h.addItem(ctx, "ord-1", "oi-1", credit.ItemServicePackage, "pkg-season", 2)
	if err != nil {
		return err
	}

	for i, status := range []credit.ConsumptionStatus{credit.ConsumptionCompleted, credit.ConsumptionScheduled, credit.ConsumptionNoShow} {
		appt := h.appointment(fmt.Sprintf("appt-%d", i+1), "svc-storage", credit.UnitMonths, 0.5, time.Duration(i)*15*24*time.Hour)
		appt.Status = status
		appt.CreditID = &out.Credit.ID
		if err := h.Store.SaveAppointment(ctx, appt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedCatalogAndOrder(ctx context.Context, orderID credit.OrderID) error {
	cat, err := h.Catalogs.ParseCatalog(demoCatalog)
	if err != nil {
		return err
	}
	if err := cat.Apply(ctx, h.Store); err != nil {
		return err
	}
	return h.Store.SaveOrder(ctx, credit.Order{
		ID:         orderID,
		CustomerID: demoCustomer,
		Status:     credit.OrderPaid,
		CreatedAt:  h.Ledger.Now(),
	})
}

// addItem inserts an order-item and fails unless a credit was issued.
func (h *Handler) addItem(ctx context.Context, orderID credit.OrderID, id credit.OrderItemID, typ credit.ItemType, itemID string, qty int64) (credit.IssueOutcome, error) {
	out, err := h.Ledger.AddOrderItem(ctx, credit.OrderItem{
		ID:       id,
		OrderID:  orderID,
		ItemType: typ,
		ItemID:   itemID,
		Quantity: decimal.NewFromInt(qty),
	})
	if err != nil {
		return out, err
	}
	if out.Status != credit.IssueIssued {
		return out, fmt.Errorf("order item %s: expected a credit, got %s", id, out.Status)
	}
	return out, nil
}

func (h *Handler) appointment(id, service string, unit credit.Unit, amount float64, offset time.Duration) credit.Consumption {
	return credit.Consumption{
		ID:          credit.AppointmentID(id),
		CustomerID:  demoCustomer,
		ServiceID:   credit.ServiceID(service),
		Durations:   credit.DurationsOf(credit.NewAmount(amount, unit)),
		Status:      credit.ConsumptionScheduled,
		ScheduledAt: h.Ledger.Now().Add(offset),
	}
}
