/*
Package credit provides the service-credit ledger.

PURPOSE:
  A customer buys lessons, rentals or courses as order-items. Each purchased
  service (or service package) becomes a Credit: a consumable balance in the
  service's duration unit. Appointments consume that balance. This package
  owns the rules that turn order-items into credits, attach orphaned
  appointments to new credits, and compute balances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Unit: hours, days or months (or none for services that accrue nothing)
  - Amount: a decimal quantity with a unit
  - Durations: the hours/days/months triple, exactly one populated
  - Credit: a ledger row, one per order-item
  - Consumption: an appointment row, optionally linked to a credit

DESIGN PRINCIPLES:
  1. One credit per order-item, enforced by the store (unique constraint)
  2. Balance is derived from consumption rows, never stored
  3. Consumption.CreditID moves from nil to a credit exactly once
  4. Decimal arithmetic everywhere (months may be consumed fractionally)

SEE ALSO:
  - ledger.go: The application-layer entry points
  - issuance.go: Order-item -> credit rule
  - reconcile.go: Orphan attachment
  - balance.go: Balance query
*/
package credit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNIT & AMOUNT
// =============================================================================

type Unit string

const (
	UnitHours  Unit = "hours"
	UnitDays   Unit = "days"
	UnitMonths Unit = "months"
	UnitNone   Unit = "none"
)

// Valid reports whether u is one of the known units (including none).
func (u Unit) Valid() bool {
	switch u {
	case UnitHours, UnitDays, UnitMonths, UnitNone:
		return true
	}
	return false
}

// Accrues reports whether services in this unit produce credits.
func (u Unit) Accrues() bool {
	return u == UnitHours || u == UnitDays || u == UnitMonths
}

// ParseUnit converts a stored or user-supplied unit. Empty means none.
func ParseUnit(s string) (Unit, error) {
	if s == "" {
		return UnitNone, nil
	}
	u := Unit(s)
	if !u.Valid() {
		return "", fmt.Errorf("unknown duration unit %q", s)
	}
	return u, nil
}

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(value), Unit: unit}
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }

func (a Amount) String() string { return a.Value.String() + " " + string(a.Unit) }

// =============================================================================
// DURATIONS - hours / days / months, exactly one populated
// =============================================================================

// Durations mirrors the three nullable duration columns carried by credits
// (totals), appointments (consumption) and service packages (per-unit amount).
type Durations struct {
	Hours  *decimal.Decimal
	Days   *decimal.Decimal
	Months *decimal.Decimal
}

// DurationsOf populates only the field matching a.Unit.
func DurationsOf(a Amount) Durations {
	v := a.Value
	switch a.Unit {
	case UnitHours:
		return Durations{Hours: &v}
	case UnitDays:
		return Durations{Days: &v}
	case UnitMonths:
		return Durations{Months: &v}
	}
	return Durations{}
}

// Get returns the field for unit, or false if it is not populated.
func (d Durations) Get(unit Unit) (Amount, bool) {
	var p *decimal.Decimal
	switch unit {
	case UnitHours:
		p = d.Hours
	case UnitDays:
		p = d.Days
	case UnitMonths:
		p = d.Months
	}
	if p == nil {
		return Amount{Unit: unit}, false
	}
	return Amount{Value: *p, Unit: unit}, true
}

func (d Durations) populated() int {
	n := 0
	for _, p := range []*decimal.Decimal{d.Hours, d.Days, d.Months} {
		if p != nil {
			n++
		}
	}
	return n
}

// Validate enforces that exactly one field is set and that it matches unit.
func (d Durations) Validate(unit Unit) error {
	if n := d.populated(); n != 1 {
		return &DurationMismatchError{Unit: unit, Populated: n}
	}
	if _, ok := d.Get(unit); !ok {
		return &DurationMismatchError{Unit: unit, Populated: 1}
	}
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type ServiceID string
type PackageID string
type OrderID string
type OrderItemID string
type CreditID string
type AppointmentID string

// =============================================================================
// CATALOG & ORDERS - owned by collaborators, read by the rules
// =============================================================================

type Service struct {
	ID   ServiceID
	Name string
	Unit Unit
}

// ServicePackage bundles a fixed amount of one service, e.g. "10h kite course".
// Only the duration matching the service's unit is meaningful.
type ServicePackage struct {
	ID        PackageID
	Name      string
	ServiceID ServiceID
	Durations Durations
}

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	return s == OrderOpen || s == OrderPaid || s == OrderCancelled
}

type Order struct {
	ID         OrderID
	CustomerID CustomerID
	Status     OrderStatus
	CreatedAt  time.Time
}

type ItemType string

const (
	ItemService        ItemType = "service"
	ItemServicePackage ItemType = "service_package"
	ItemProduct        ItemType = "product"
	ItemRental         ItemType = "rental"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemService, ItemServicePackage, ItemProduct, ItemRental:
		return true
	}
	return false
}

// AccruesCredit reports whether order-items of this type can produce credits.
func (t ItemType) AccruesCredit() bool {
	return t == ItemService || t == ItemServicePackage
}

type OrderItem struct {
	ID        OrderItemID
	OrderID   OrderID
	ItemType  ItemType
	ItemID    string // service or package id, depending on ItemType
	Quantity  decimal.Decimal
	CreatedAt time.Time
}

// =============================================================================
// CREDIT - ledger row
// =============================================================================

// CreditStatus is the stored status column. The ledger writes only active:
// exhaustion is read from Balance.Exhausted and cancellation deletes the row.
type CreditStatus string

const (
	CreditActive    CreditStatus = "active"
	CreditExhausted CreditStatus = "exhausted"
	CreditCancelled CreditStatus = "cancelled"
)

type Credit struct {
	ID               CreditID
	CustomerID       CustomerID
	OrderItemID      OrderItemID
	ServiceID        ServiceID
	ServicePackageID *PackageID // nil for direct service purchases
	Unit             Unit
	Totals           Durations
	Status           CreditStatus
	CreatedAt        time.Time
}

// Total returns the purchased amount in the credit's unit.
func (c Credit) Total() Amount {
	a, _ := c.Totals.Get(c.Unit)
	return a
}

// =============================================================================
// CONSUMPTION - appointment row (ledger-relevant subset)
// =============================================================================

type ConsumptionStatus string

const (
	ConsumptionScheduled   ConsumptionStatus = "scheduled"
	ConsumptionCompleted   ConsumptionStatus = "completed"
	ConsumptionCancelled   ConsumptionStatus = "cancelled"
	ConsumptionNoShow      ConsumptionStatus = "no_show"
	ConsumptionRescheduled ConsumptionStatus = "rescheduled"
)

func (s ConsumptionStatus) Valid() bool {
	switch s {
	case ConsumptionScheduled, ConsumptionCompleted, ConsumptionCancelled, ConsumptionNoShow, ConsumptionRescheduled:
		return true
	}
	return false
}

// ConsumingStatuses are the appointment states that draw down a balance.
var ConsumingStatuses = []ConsumptionStatus{ConsumptionScheduled, ConsumptionCompleted}

type Consumption struct {
	ID          AppointmentID
	CustomerID  CustomerID
	ServiceID   ServiceID
	CreditID    *CreditID // nil = orphaned
	Durations   Durations
	Status      ConsumptionStatus
	ScheduledAt time.Time
	CancelledAt *time.Time
}

// Consumes reports whether the row counts against a balance: a consuming
// status and no cancellation timestamp. cancelled_at wins over status.
func (c Consumption) Consumes() bool {
	if c.CancelledAt != nil {
		return false
	}
	for _, s := range ConsumingStatuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

// Orphaned reports whether the row is waiting for a credit.
func (c Consumption) Orphaned() bool { return c.CreditID == nil }
