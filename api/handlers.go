/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the credit ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to credit.Ledger. The order, catalogue
  and scheduling endpoints stand in for the subsystems that own those rows.

ENDPOINTS:
  Catalog:
    POST   /api/catalog                     Import services and packages (JSON)

  Orders:
    POST   /api/orders                      Create order
    GET    /api/orders/{id}/credits         Balances of the order's credits
    POST   /api/orders/{id}/items           Insert order-item + issue credit
    POST   /api/orders/{id}/cancel          Remove the order's credits
    POST   /api/order-items/{id}/issue      Re-run issuance (idempotent)

  Appointments:
    POST   /api/appointments                Create or update appointment

  Credits:
    GET    /api/credits/{id}                Credit row
    GET    /api/credits/{id}/balance        Total / used / available
    POST   /api/credits/{id}/reconcile      Attach pending orphans

  Customers:
    GET    /api/customers/{id}/balances     All credit balances
    GET    /api/customers/{id}/orphans      Appointments waiting for a credit
    GET    /api/orphans                     All orphans (?customer_id, ?service_id)

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with HTTP status:
  - 400: Invalid input (quantity, durations, unknown enum)
  - 404: Order, order-item, credit or service not found
  - 409: Order-item id reused, order already cancelled
  - 422: Unresolved service under strict issuance
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Put the service behind the platform gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kiteflow/credit-engine/credit"
	"github.com/kiteflow/credit-engine/factory"
	"github.com/kiteflow/credit-engine/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs from a backend: the ledger's transactional
// store, the collaborator writes and a reset for demo scenarios.
type Store interface {
	credit.TxStore
	credit.Writer
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Ledger   *credit.Ledger
	Catalogs *factory.CatalogFactory
	Log      *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. ledger must be built on store.
func NewHandler(store Store, ledger *credit.Ledger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Ledger:   ledger,
		Catalogs: factory.NewCatalogFactory(),
		Log:      log.Named("api"),
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// ImportCatalog validates a JSON catalogue and upserts it.
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	var req factory.CatalogJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cat, err := h.Catalogs.FromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid catalog", err)
		return
	}
	if err := cat.Apply(r.Context(), h.Store); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save catalog", err)
		return
	}

	writeJSON(w, http.StatusCreated, CatalogImportDTO{Services: len(cat.Services), Packages: len(cat.Packages)})
}

// =============================================================================
// ORDERS
// =============================================================================

// CreateOrder creates (or updates) an order header.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "id and customer_id are required", nil)
		return
	}
	status := credit.OrderStatus(req.Status)
	if status == "" {
		status = credit.OrderOpen
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown order status %q", req.Status), nil)
		return
	}

	order := credit.Order{
		ID:         credit.OrderID(req.ID),
		CustomerID: credit.CustomerID(req.CustomerID),
		Status:     status,
		CreatedAt:  h.Ledger.Now(),
	}
	if err := h.Store.SaveOrder(r.Context(), order); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create order", err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

// AddOrderItem inserts an order-item; the ledger issues its credit and
// reconciles orphans in the same transaction.
func (h *Handler) AddOrderItem(w http.ResponseWriter, r *http.Request) {
	orderID := credit.OrderID(chi.URLParam(r, "id"))

	var req AddOrderItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "id and item_id are required", nil)
		return
	}
	itemType := credit.ItemType(req.ItemType)
	if !itemType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown item_type %q", req.ItemType), nil)
		return
	}

	if _, ok := h.loadOrder(w, r, orderID); !ok {
		return
	}

	item := credit.OrderItem{
		ID:       credit.OrderItemID(req.ID),
		OrderID:  orderID,
		ItemType: itemType,
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
	}
	out, err := h.Ledger.AddOrderItem(r.Context(), item)
	if err != nil {
		writeLedgerError(w, "Failed to add order item", err)
		return
	}

	writeJSON(w, http.StatusCreated, toIssueOutcomeDTO(item.ID, out))
}

// IssueOrderItem re-runs issuance for a stored order-item. A second call
// reports already_issued and writes nothing.
func (h *Handler) IssueOrderItem(w http.ResponseWriter, r *http.Request) {
	id := credit.OrderItemID(chi.URLParam(r, "id"))

	out, err := h.Ledger.IssueForOrderItem(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to issue credit", err)
		return
	}

	status := http.StatusOK
	if out.Status == credit.IssueIssued {
		status = http.StatusCreated
	}
	writeJSON(w, status, toIssueOutcomeDTO(id, out))
}

// CancelOrder removes the credits of every order-item and marks the order
// cancelled. Appointments that used those credits become orphans.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := credit.OrderID(chi.URLParam(r, "id"))
	ctx := r.Context()

	n, err := h.Ledger.CancelOrder(ctx, orderID)
	if err != nil {
		writeLedgerError(w, "Failed to cancel order", err)
		return
	}

	logger.WithContext(ctx, h.Log).Info("order cancelled",
		zap.String("order_id", string(orderID)),
		zap.Int("credits_deleted", n))
	writeJSON(w, http.StatusOK, CancelOrderDTO{OrderID: string(orderID), CreditsDeleted: n})
}

// GetOrderCredits returns the balance of every credit issued for the order.
func (h *Handler) GetOrderCredits(w http.ResponseWriter, r *http.Request) {
	orderID := credit.OrderID(chi.URLParam(r, "id"))
	if _, ok := h.loadOrder(w, r, orderID); !ok {
		return
	}

	balances, err := h.Ledger.Balances(r.Context(), credit.CreditFilter{OrderID: orderID})
	if err != nil {
		writeLedgerError(w, "Failed to compute balances", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTOs(balances))
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request, id credit.OrderID) (*credit.Order, bool) {
	order, err := h.Store.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get order", err)
		return nil, false
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "Order not found", nil)
		return nil, false
	}
	return order, true
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// CreateAppointment saves an appointment row. Without credit_id it is an
// orphan until a matching credit is issued or reconciled.
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.CustomerID == "" || req.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "id, customer_id and service_id are required", nil)
		return
	}
	status := credit.ConsumptionStatus(req.Status)
	if status == "" {
		status = credit.ConsumptionScheduled
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown appointment status %q", req.Status), nil)
		return
	}

	svc, err := h.Store.GetService(ctx, credit.ServiceID(req.ServiceID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get service", err)
		return
	}
	if svc == nil {
		writeError(w, http.StatusNotFound, "Service not found", nil)
		return
	}
	if !svc.Unit.Accrues() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Service %s has no duration unit", svc.ID), nil)
		return
	}

	durations := credit.Durations{Hours: req.DurationHours, Days: req.DurationDays, Months: req.DurationMonths}
	if err := durations.Validate(svc.Unit); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid appointment duration", err)
		return
	}

	appt := credit.Consumption{
		ID:          credit.AppointmentID(req.ID),
		CustomerID:  credit.CustomerID(req.CustomerID),
		ServiceID:   svc.ID,
		Durations:   durations,
		Status:      status,
		ScheduledAt: h.Ledger.Now(),
		CancelledAt: req.CancelledAt,
	}
	if req.ScheduledAt != nil {
		appt.ScheduledAt = req.ScheduledAt.UTC()
	}
	if req.CreditID != nil {
		c, err := h.Store.GetCredit(ctx, credit.CreditID(*req.CreditID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get credit", err)
			return
		}
		if c == nil {
			writeError(w, http.StatusNotFound, "Credit not found", nil)
			return
		}
		if c.ServiceID != appt.ServiceID || c.CustomerID != appt.CustomerID {
			writeError(w, http.StatusBadRequest, "Credit belongs to another customer or service", nil)
			return
		}
		appt.CreditID = &c.ID
	}

	if err := h.Store.SaveAppointment(ctx, appt); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save appointment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(appt))
}

// =============================================================================
// CREDITS
// =============================================================================

// GetCredit returns one credit row.
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	id := credit.CreditID(chi.URLParam(r, "id"))

	c, err := h.Store.GetCredit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get credit", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Credit not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(*c))
}

// GetBalance recomputes one credit's balance from current rows.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := credit.CreditID(chi.URLParam(r, "id"))

	b, err := h.Ledger.ComputeBalance(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// ReconcileCredit attaches pending orphans to an existing credit.
func (h *Handler) ReconcileCredit(w http.ResponseWriter, r *http.Request) {
	id := credit.CreditID(chi.URLParam(r, "id"))

	n, err := h.Ledger.ReconcileOrphans(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to reconcile orphans", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{CreditID: string(id), Attached: n})
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// GetCustomerBalances returns every credit balance of one customer.
func (h *Handler) GetCustomerBalances(w http.ResponseWriter, r *http.Request) {
	id := credit.CustomerID(chi.URLParam(r, "id"))

	balances, err := h.Ledger.CustomerBalances(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to compute balances", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTOs(balances))
}

// GetCustomerOrphans lists one customer's appointments without a credit.
func (h *Handler) GetCustomerOrphans(w http.ResponseWriter, r *http.Request) {
	filter := credit.OrphanFilter{
		CustomerID: credit.CustomerID(chi.URLParam(r, "id")),
		ServiceID:  credit.ServiceID(r.URL.Query().Get("service_id")),
	}
	h.writeOrphans(w, r, filter)
}

// ListOrphans lists orphans across customers.
func (h *Handler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := credit.OrphanFilter{
		CustomerID: credit.CustomerID(q.Get("customer_id")),
		ServiceID:  credit.ServiceID(q.Get("service_id")),
	}
	h.writeOrphans(w, r, filter)
}

func (h *Handler) writeOrphans(w http.ResponseWriter, r *http.Request, filter credit.OrphanFilter) {
	orphans, err := h.Ledger.Orphans(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, "Failed to list orphans", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(orphans))
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

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

// writeLedgerError maps a ledger error to its HTTP status.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, credit.ErrUnresolvedService):
		return http.StatusUnprocessableEntity
	case credit.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrOrderItemExists), errors.Is(err, credit.ErrDuplicateIssuance),
		errors.Is(err, credit.ErrOrderCancelled):
		return http.StatusConflict
	case credit.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func toOrderDTO(o credit.Order) OrderDTO {
	return OrderDTO{
		ID:         string(o.ID),
		CustomerID: string(o.CustomerID),
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}
