/*
handlers_test.go - HTTP tests for the credit API

Tests for:
- Order-item insert with issuance, duplicate ids, strict/lenient unresolved
- Appointment validation and orphan attachment through the API
- Order cancellation and orphan listing
- Error status mapping and the /metrics mount
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kiteflow/credit-engine/credit"
	"github.com/kiteflow/credit-engine/credit/credittest"
	"github.com/kiteflow/credit-engine/metrics"
	"github.com/kiteflow/credit-engine/store/sqlite"
)

type testServer struct {
	h   *Handler
	srv http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	ledger := credit.NewLedger(store, zap.NewNop())
	ledger.Metrics = metrics.New(reg)
	ledger.Now = func() time.Time { return credittest.Epoch }

	h := NewHandler(store, ledger, nil)
	srv := NewRouter(h, RouterConfig{
		AllowedOrigins: []string{"http://localhost:5173"},
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return &testServer{h: h, srv: srv}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed imports the demo catalogue and opens ord-1 for cust-5.
func (s *testServer) seed(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/catalog", demoCatalog)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, CatalogImportDTO{Services: 4, Packages: 3}, decode[CatalogImportDTO](t, rec))

	rec = s.do(t, http.MethodPost, "/api/orders", CreateOrderRequest{ID: "ord-1", CustomerID: "cust-5"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) addItem(t *testing.T, id, typ, itemID string, qty float64) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/orders/ord-1/items", AddOrderItemRequest{
		ID: id, ItemType: typ, ItemID: itemID, Quantity: decimal.NewFromFloat(qty),
	})
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// ORDER ITEMS
// =============================================================================

func TestAddOrderItem_IssuesScaledCredit(t *testing.T) {
	// GIVEN: A paid-for order
	// WHEN: Adding 2 x "10h course"
	// THEN: One 20h active credit is issued
	s := newTestServer(t)
	s.seed(t)

	rec := s.addItem(t, "oi-1", "service_package", "pkg-10h", 2)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	out := decode[IssueOutcomeDTO](t, rec)
	assert.Equal(t, "issued", out.Status)
	require.NotNil(t, out.Credit)
	assert.Equal(t, "svc-lesson", out.Credit.ServiceID)
	assert.Equal(t, "hours", out.Credit.Unit)
	assert.Equal(t, "active", out.Credit.Status)
	require.NotNil(t, out.Credit.TotalHours)
	assertDecimal(t, "20", *out.Credit.TotalHours)
	assert.Nil(t, out.Credit.TotalDays)
	assert.Nil(t, out.Credit.TotalMonths)
	require.NotNil(t, out.Credit.ServicePackageID)
	assert.Equal(t, "pkg-10h", *out.Credit.ServicePackageID)

	// The credit is readable by id.
	rec = s.do(t, http.MethodGet, "/api/credits/"+out.Credit.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "oi-1", decode[CreditDTO](t, rec).OrderItemID)
}

func TestIssueOrderItem_SecondRunIsNoOp(t *testing.T) {
	// GIVEN: An order-item whose credit is already issued
	// WHEN: Issuance runs again for the same order-item
	// THEN: already_issued with the original credit, still one credit
	s := newTestServer(t)
	s.seed(t)
	first := decode[IssueOutcomeDTO](t, s.addItem(t, "oi-1", "service", "svc-rental", 3))

	rec := s.do(t, http.MethodPost, "/api/order-items/oi-1/issue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[IssueOutcomeDTO](t, rec)
	assert.Equal(t, "already_issued", again.Status)
	assert.Equal(t, first.Credit.ID, again.Credit.ID)

	rec = s.do(t, http.MethodGet, "/api/orders/ord-1/credits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BalanceDTO](t, rec), 1)

	rec = s.do(t, http.MethodPost, "/api/order-items/oi-404/issue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddOrderItem_Errors(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)
	require.Equal(t, http.StatusCreated, s.addItem(t, "oi-1", "service", "svc-lesson", 1).Code)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"duplicate order item", "/api/orders/ord-1/items",
			AddOrderItemRequest{ID: "oi-1", ItemType: "service", ItemID: "svc-lesson", Quantity: decimal.NewFromInt(1)}, http.StatusConflict},
		{"zero quantity", "/api/orders/ord-1/items",
			AddOrderItemRequest{ID: "oi-2", ItemType: "service", ItemID: "svc-lesson"}, http.StatusBadRequest},
		{"unknown item type", "/api/orders/ord-1/items",
			AddOrderItemRequest{ID: "oi-3", ItemType: "voucher", ItemID: "v", Quantity: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"unknown order", "/api/orders/ord-404/items",
			AddOrderItemRequest{ID: "oi-4", ItemType: "service", ItemID: "svc-lesson", Quantity: decimal.NewFromInt(1)}, http.StatusNotFound},
		{"bad json", "/api/orders/ord-1/items", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAddOrderItem_NonAccruingItems(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	for i, tc := range []struct{ typ, id string }{
		{"product", "wetsuit"},
		{"service", "svc-repair"},
	} {
		rec := s.addItem(t, fmt.Sprintf("oi-%d", i), tc.typ, tc.id, 1)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		out := decode[IssueOutcomeDTO](t, rec)
		assert.Equal(t, "not_applicable", out.Status)
		assert.Nil(t, out.Credit)
	}
}

func TestAddOrderItem_UnresolvedService(t *testing.T) {
	t.Run("lenient commits the item without a credit", func(t *testing.T) {
		s := newTestServer(t)
		s.seed(t)

		rec := s.addItem(t, "oi-1", "service_package", "pkg-gone", 1)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		out := decode[IssueOutcomeDTO](t, rec)
		assert.Equal(t, "unresolved", out.Status)
		assert.NotEmpty(t, out.Reason)

		// The item exists, so a second insert is a conflict.
		assert.Equal(t, http.StatusConflict, s.addItem(t, "oi-1", "service", "svc-lesson", 1).Code)
	})

	t.Run("strict rejects and rolls back", func(t *testing.T) {
		s := newTestServer(t)
		s.seed(t)
		s.h.Ledger.Policy.Strict = true

		rec := s.addItem(t, "oi-1", "service_package", "pkg-gone", 1)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

		// Rolled back: the same id can be reused.
		assert.Equal(t, http.StatusCreated, s.addItem(t, "oi-1", "service", "svc-lesson", 1).Code)
	})
}

// =============================================================================
// APPOINTMENTS & ORPHANS
// =============================================================================

func TestOrphanAttachedOnPurchase(t *testing.T) {
	// GIVEN: A completed 4h lesson with no credit
	// WHEN: The customer buys 10h of lessons
	// THEN: The lesson is attached and 6h remain
	s := newTestServer(t)
	s.seed(t)

	four := decimal.NewFromInt(4)
	rec := s.do(t, http.MethodPost, "/api/appointments", CreateAppointmentRequest{
		ID: "appt-1", CustomerID: "cust-5", ServiceID: "svc-lesson",
		DurationHours: &four, Status: "completed",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Nil(t, decode[AppointmentDTO](t, rec).CreditID)

	rec = s.do(t, http.MethodGet, "/api/customers/cust-5/orphans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentDTO](t, rec), 1)

	out := decode[IssueOutcomeDTO](t, s.addItem(t, "oi-1", "service", "svc-lesson", 10))
	assert.Equal(t, 1, out.OrphansAttached)

	rec = s.do(t, http.MethodGet, "/api/credits/"+out.Credit.ID+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	b := decode[BalanceDTO](t, rec)
	assertDecimal(t, "10", b.Total)
	assertDecimal(t, "4", b.Used)
	assertDecimal(t, "6", b.Available)
	assert.Equal(t, 1, b.Consumptions)
	assert.False(t, b.Negative)

	rec = s.do(t, http.MethodGet, "/api/orphans", nil)
	assert.Empty(t, decode[[]AppointmentDTO](t, rec))
}

func TestReconcileCredit_AttachesLaterOrphans(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)
	out := decode[IssueOutcomeDTO](t, s.addItem(t, "oi-1", "service_package", "pkg-week", 1))

	two := decimal.NewFromInt(2)
	rec := s.do(t, http.MethodPost, "/api/appointments", CreateAppointmentRequest{
		ID: "appt-1", CustomerID: "cust-5", ServiceID: "svc-rental", DurationDays: &two,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/credits/"+out.Credit.ID+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ReconcileDTO](t, rec).Attached)

	rec = s.do(t, http.MethodGet, "/api/customers/cust-5/balances", nil)
	balances := decode[[]BalanceDTO](t, rec)
	require.Len(t, balances, 1)
	assertDecimal(t, "5", balances[0].Available)

	rec = s.do(t, http.MethodPost, "/api/credits/cr-404/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAppointment_Validation(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)
	out := decode[IssueOutcomeDTO](t, s.addItem(t, "oi-1", "service", "svc-lesson", 5))

	one := decimal.NewFromInt(1)
	other := "cr-404"
	tests := []struct {
		name   string
		req    CreateAppointmentRequest
		status int
	}{
		{"wrong unit", CreateAppointmentRequest{ID: "a1", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationDays: &one}, http.StatusBadRequest},
		{"two durations", CreateAppointmentRequest{ID: "a2", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationHours: &one, DurationDays: &one}, http.StatusBadRequest},
		{"no duration", CreateAppointmentRequest{ID: "a3", CustomerID: "cust-5", ServiceID: "svc-lesson"}, http.StatusBadRequest},
		{"unknown service", CreateAppointmentRequest{ID: "a4", CustomerID: "cust-5", ServiceID: "svc-404", DurationHours: &one}, http.StatusNotFound},
		{"service without unit", CreateAppointmentRequest{ID: "a5", CustomerID: "cust-5", ServiceID: "svc-repair", DurationHours: &one}, http.StatusBadRequest},
		{"unknown status", CreateAppointmentRequest{ID: "a6", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationHours: &one, Status: "late"}, http.StatusBadRequest},
		{"unknown credit", CreateAppointmentRequest{ID: "a7", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationHours: &one, CreditID: &other}, http.StatusNotFound},
		{"credit of another customer", CreateAppointmentRequest{ID: "a8", CustomerID: "cust-9", ServiceID: "svc-lesson", DurationHours: &one, CreditID: &out.Credit.ID}, http.StatusBadRequest},
		{"linked", CreateAppointmentRequest{ID: "a9", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationHours: &one, CreditID: &out.Credit.ID}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/appointments", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelOrder_RemovesCreditsAndOrphansAppointments(t *testing.T) {
	// GIVEN: An order with a lesson credit that one appointment draws on
	// WHEN: The order is cancelled
	// THEN: The credit is gone and the appointment is an orphan again
	s := newTestServer(t)
	s.seed(t)
	out := decode[IssueOutcomeDTO](t, s.addItem(t, "oi-1", "service_package", "pkg-10h", 1))
	require.Equal(t, http.StatusCreated, s.addItem(t, "oi-2", "product", "wax", 1).Code)

	two := decimal.NewFromInt(2)
	rec := s.do(t, http.MethodPost, "/api/appointments", CreateAppointmentRequest{
		ID: "appt-1", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationHours: &two, CreditID: &out.Credit.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/orders/ord-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, CancelOrderDTO{OrderID: "ord-1", CreditsDeleted: 1}, decode[CancelOrderDTO](t, rec))

	rec = s.do(t, http.MethodGet, "/api/credits/"+out.Credit.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/credits/"+out.Credit.ID+"/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/orphans?customer_id=cust-5&service_id=svc-lesson", nil)
	orphans := decode[[]AppointmentDTO](t, rec)
	require.Len(t, orphans, 1)
	assert.Equal(t, "appt-1", orphans[0].ID)

	// The order is closed for new items.
	assert.Equal(t, http.StatusConflict, s.addItem(t, "oi-3", "service", "svc-lesson", 1).Code)

	rec = s.do(t, http.MethodPost, "/api/orders/ord-404/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrder_ReissueDoesNotRestoreCredit(t *testing.T) {
	// GIVEN: A cancelled order whose credit had a linked appointment
	// WHEN: Issuance is re-fired for its order-item
	// THEN: Nothing is issued and the appointment stays orphaned
	s := newTestServer(t)
	s.seed(t)
	out := decode[IssueOutcomeDTO](t, s.addItem(t, "oi-1", "service_package", "pkg-10h", 1))
	require.NotNil(t, out.Credit)

	two := decimal.NewFromInt(2)
	rec := s.do(t, http.MethodPost, "/api/appointments", CreateAppointmentRequest{
		ID: "appt-1", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationHours: &two, CreditID: &out.Credit.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/orders/ord-1/cancel", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/order-items/oi-1/issue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[IssueOutcomeDTO](t, rec)
	assert.Equal(t, "not_applicable", again.Status)
	assert.Nil(t, again.Credit)
	assert.Zero(t, again.OrphansAttached)

	rec = s.do(t, http.MethodGet, "/api/customers/cust-5/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]BalanceDTO](t, rec))

	rec = s.do(t, http.MethodGet, "/api/orphans?customer_id=cust-5", nil)
	orphans := decode[[]AppointmentDTO](t, rec)
	require.Len(t, orphans, 1)
	assert.Equal(t, "appt-1", orphans[0].ID)
}

func TestCreateAppointment_RepostKeepsCreditLink(t *testing.T) {
	// GIVEN: An appointment linked to a 10h credit
	// WHEN: The same appointment is posted again without credit_id
	// THEN: It stays linked and keeps counting against the credit
	s := newTestServer(t)
	s.seed(t)
	out := decode[IssueOutcomeDTO](t, s.addItem(t, "oi-1", "service_package", "pkg-10h", 1))
	require.NotNil(t, out.Credit)

	two := decimal.NewFromInt(2)
	req := CreateAppointmentRequest{
		ID: "appt-1", CustomerID: "cust-5", ServiceID: "svc-lesson", DurationHours: &two, CreditID: &out.Credit.ID,
	}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/appointments", req).Code)

	req.CreditID = nil
	req.Status = "completed"
	rec := s.do(t, http.MethodPost, "/api/appointments", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/orphans", nil)
	assert.Empty(t, decode[[]AppointmentDTO](t, rec))

	rec = s.do(t, http.MethodGet, "/api/credits/"+out.Credit.ID+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertDecimal(t, "8", decode[BalanceDTO](t, rec).Available)
}

// =============================================================================
// PLUMBING
// =============================================================================

func TestCreateOrder_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/orders", CreateOrderRequest{ID: "ord-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/orders", CreateOrderRequest{ID: "ord-1", CustomerID: "c", Status: "shipped"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/orders", CreateOrderRequest{ID: "ord-1", CustomerID: "c"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "open", decode[OrderDTO](t, rec).Status)
}

func TestImportCatalog_Rejects(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/catalog", `{"services":[{"id":"s","unit":"weeks"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&credit.UnresolvedServiceError{OrderItemID: "oi"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", credit.ErrCreditNotFound), http.StatusNotFound},
		{credit.ErrOrderItemExists, http.StatusConflict},
		{credit.ErrDuplicateIssuance, http.StatusConflict},
		{fmt.Errorf("order ord-1: %w", credit.ErrOrderCancelled), http.StatusConflict},
		{credit.ErrInvalidQuantity, http.StatusBadRequest},
		{&credit.DurationMismatchError{Unit: credit.UnitDays}, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestMetricsAndHealth(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)
	s.addItem(t, "oi-1", "service", "svc-lesson", 1)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `credit_engine_credits_issued_total{unit="hours"} 1`)
}
