/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the credit domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Orders:       CreateOrderRequest, OrderDTO, AddOrderItemRequest, IssueOutcomeDTO
  Credits:      CreditDTO, BalanceDTO
  Appointments: CreateAppointmentRequest, AppointmentDTO
  Catalog:      factory.CatalogJSON (request), CatalogImportDTO
  Scenarios:    ScenarioDTO

DECIMALS:
  Quantities and durations are shopspring decimals. They decode from a JSON
  number or string and encode as a string ("2.5") so no precision is lost.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: CatalogJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kiteflow/credit-engine/credit"
)

// =============================================================================
// ORDERS
// =============================================================================

type CreateOrderRequest struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status,omitempty"`
}

type OrderDTO struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// AddOrderItemRequest is the order-item insert. Issuance runs in the same
// transaction.
type AddOrderItemRequest struct {
	ID       string          `json:"id"`
	ItemType string          `json:"item_type"`
	ItemID   string          `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// IssueOutcomeDTO reports what issuance did for one order-item.
type IssueOutcomeDTO struct {
	OrderItemID     string     `json:"order_item_id"`
	Status          string     `json:"status"`
	Credit          *CreditDTO `json:"credit,omitempty"`
	OrphansAttached int        `json:"orphans_attached"`
	Reason          string     `json:"reason,omitempty"`
}

type CancelOrderDTO struct {
	OrderID        string `json:"order_id"`
	CreditsDeleted int    `json:"credits_deleted"`
}

// =============================================================================
// CREDITS & BALANCES
// =============================================================================

type CreditDTO struct {
	ID               string           `json:"id"`
	CustomerID       string           `json:"customer_id"`
	OrderItemID      string           `json:"order_item_id"`
	ServiceID        string           `json:"service_id"`
	ServicePackageID *string          `json:"service_package_id,omitempty"`
	Unit             string           `json:"duration_unit"`
	TotalHours       *decimal.Decimal `json:"total_hours"`
	TotalDays        *decimal.Decimal `json:"total_days"`
	TotalMonths      *decimal.Decimal `json:"total_months"`
	Status           string           `json:"status"`
	CreatedAt        string           `json:"created_at"`
}

// BalanceDTO is the Total / Used / Available view of one credit.
type BalanceDTO struct {
	CreditID     string          `json:"credit_id"`
	CustomerID   string          `json:"customer_id"`
	ServiceID    string          `json:"service_id"`
	Unit         string          `json:"unit"`
	Total        decimal.Decimal `json:"total"`
	Used         decimal.Decimal `json:"used"`
	Available    decimal.Decimal `json:"available"`
	Consumptions int             `json:"consumptions"`
	Negative     bool            `json:"negative"`
	Exhausted    bool            `json:"exhausted"`
}

type ReconcileDTO struct {
	CreditID string `json:"credit_id"`
	Attached int    `json:"attached"`
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// CreateAppointmentRequest stands in for the scheduling subsystem. Exactly
// one duration field must be set, in the service's unit.
type CreateAppointmentRequest struct {
	ID             string           `json:"id"`
	CustomerID     string           `json:"customer_id"`
	ServiceID      string           `json:"service_id"`
	CreditID       *string          `json:"credit_id,omitempty"`
	DurationHours  *decimal.Decimal `json:"duration_hours,omitempty"`
	DurationDays   *decimal.Decimal `json:"duration_days,omitempty"`
	DurationMonths *decimal.Decimal `json:"duration_months,omitempty"`
	Status         string           `json:"status,omitempty"`
	ScheduledAt    *time.Time       `json:"scheduled_at,omitempty"`
	CancelledAt    *time.Time       `json:"cancelled_at,omitempty"`
}

type AppointmentDTO struct {
	ID             string           `json:"id"`
	CustomerID     string           `json:"customer_id"`
	ServiceID      string           `json:"service_id"`
	CreditID       *string          `json:"credit_id"`
	DurationHours  *decimal.Decimal `json:"duration_hours,omitempty"`
	DurationDays   *decimal.Decimal `json:"duration_days,omitempty"`
	DurationMonths *decimal.Decimal `json:"duration_months,omitempty"`
	Status         string           `json:"status"`
	ScheduledAt    string           `json:"scheduled_at"`
	CancelledAt    *string          `json:"cancelled_at,omitempty"`
}

// =============================================================================
// CATALOG & SCENARIOS
// =============================================================================

type CatalogImportDTO struct {
	Services int `json:"services"`
	Packages int `json:"packages"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCreditDTO(c credit.Credit) CreditDTO {
	dto := CreditDTO{
		ID:          string(c.ID),
		CustomerID:  string(c.CustomerID),
		OrderItemID: string(c.OrderItemID),
		ServiceID:   string(c.ServiceID),
		Unit:        string(c.Unit),
		TotalHours:  c.Totals.Hours,
		TotalDays:   c.Totals.Days,
		TotalMonths: c.Totals.Months,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
	}
	if c.ServicePackageID != nil {
		id := string(*c.ServicePackageID)
		dto.ServicePackageID = &id
	}
	return dto
}

func toBalanceDTO(b credit.Balance) BalanceDTO {
	return BalanceDTO{
		CreditID:     string(b.CreditID),
		CustomerID:   string(b.CustomerID),
		ServiceID:    string(b.ServiceID),
		Unit:         string(b.Unit),
		Total:        b.Total.Value,
		Used:         b.Used.Value,
		Available:    b.Available.Value,
		Consumptions: b.Consumptions,
		Negative:     b.Negative(),
		Exhausted:    b.Exhausted(),
	}
}

func toBalanceDTOs(bs []credit.Balance) []BalanceDTO {
	out := make([]BalanceDTO, len(bs))
	for i, b := range bs {
		out[i] = toBalanceDTO(b)
	}
	return out
}

func toIssueOutcomeDTO(id credit.OrderItemID, out credit.IssueOutcome) IssueOutcomeDTO {
	dto := IssueOutcomeDTO{
		OrderItemID:     string(id),
		Status:          string(out.Status),
		OrphansAttached: out.Attached,
		Reason:          out.Reason,
	}
	if out.Credit != nil {
		c := toCreditDTO(*out.Credit)
		dto.Credit = &c
	}
	return dto
}

func toAppointmentDTO(c credit.Consumption) AppointmentDTO {
	dto := AppointmentDTO{
		ID:             string(c.ID),
		CustomerID:     string(c.CustomerID),
		ServiceID:      string(c.ServiceID),
		DurationHours:  c.Durations.Hours,
		DurationDays:   c.Durations.Days,
		DurationMonths: c.Durations.Months,
		Status:         string(c.Status),
		ScheduledAt:    c.ScheduledAt.Format(time.RFC3339),
	}
	if c.CreditID != nil {
		id := string(*c.CreditID)
		dto.CreditID = &id
	}
	if c.CancelledAt != nil {
		s := c.CancelledAt.Format(time.RFC3339)
		dto.CancelledAt = &s
	}
	return dto
}

func toAppointmentDTOs(cs []credit.Consumption) []AppointmentDTO {
	out := make([]AppointmentDTO, len(cs))
	for i, c := range cs {
		out[i] = toAppointmentDTO(c)
	}
	return out
}
