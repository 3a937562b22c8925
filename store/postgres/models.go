package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kiteflow/credit-engine/credit"
)

// Row types mirror migrations/0001_init.up.sql. AutoMigrate on them is for
// tests only; production schemas come from the embedded migrations.

type serviceRow struct {
	ID   string `gorm:"primaryKey"`
	Name string
	Unit string `gorm:"not null"`
}

func (serviceRow) TableName() string { return "services" }

type packageRow struct {
	ID             string `gorm:"primaryKey"`
	Name           string
	ServiceID      string              `gorm:"not null"`
	DurationHours  decimal.NullDecimal `gorm:"type:numeric"`
	DurationDays   decimal.NullDecimal `gorm:"type:numeric"`
	DurationMonths decimal.NullDecimal `gorm:"type:numeric"`
}

func (packageRow) TableName() string { return "service_packages" }

type orderRow struct {
	ID         string `gorm:"primaryKey"`
	CustomerID string `gorm:"not null"`
	Status     string `gorm:"not null"`
	CreatedAt  time.Time
}

func (orderRow) TableName() string { return "orders" }

type orderItemRow struct {
	ID        string          `gorm:"primaryKey"`
	OrderID   string          `gorm:"not null;index"`
	ItemType  string          `gorm:"not null"`
	ItemID    string          `gorm:"not null"`
	Quantity  decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt time.Time
}

func (orderItemRow) TableName() string { return "order_items" }

type creditRow struct {
	ID               string `gorm:"primaryKey"`
	CustomerID       string `gorm:"not null;index:idx_credits_customer_service"`
	OrderItemID      string `gorm:"not null;uniqueIndex:credits_order_item_id_key"`
	ServiceID        string `gorm:"not null;index:idx_credits_customer_service"`
	ServicePackageID *string
	Unit             string              `gorm:"not null"`
	TotalHours       decimal.NullDecimal `gorm:"type:numeric"`
	TotalDays        decimal.NullDecimal `gorm:"type:numeric"`
	TotalMonths      decimal.NullDecimal `gorm:"type:numeric"`
	Status           string              `gorm:"not null"`
	CreatedAt        time.Time
}

func (creditRow) TableName() string { return "credits" }

type appointmentRow struct {
	ID             string              `gorm:"primaryKey"`
	CustomerID     string              `gorm:"not null"`
	ServiceID      string              `gorm:"not null"`
	CreditID       *string             `gorm:"index"`
	DurationHours  decimal.NullDecimal `gorm:"type:numeric"`
	DurationDays   decimal.NullDecimal `gorm:"type:numeric"`
	DurationMonths decimal.NullDecimal `gorm:"type:numeric"`
	Status         string              `gorm:"not null"`
	ScheduledAt    time.Time           `gorm:"not null"`
	CancelledAt    *time.Time
}

func (appointmentRow) TableName() string { return "appointments" }

// AllModels lists the row types in dependency order.
func AllModels() []any {
	return []any{&serviceRow{}, &packageRow{}, &orderRow{}, &orderItemRow{}, &creditRow{}, &appointmentRow{}}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func nullDecimals(d credit.Durations) (h, days, m decimal.NullDecimal) {
	conv := func(v *decimal.Decimal) decimal.NullDecimal {
		if v == nil {
			return decimal.NullDecimal{}
		}
		return decimal.NewNullDecimal(*v)
	}
	return conv(d.Hours), conv(d.Days), conv(d.Months)
}

func durations(h, d, m decimal.NullDecimal) credit.Durations {
	conv := func(v decimal.NullDecimal) *decimal.Decimal {
		if !v.Valid {
			return nil
		}
		x := v.Decimal
		return &x
	}
	return credit.Durations{Hours: conv(h), Days: conv(d), Months: conv(m)}
}

func (r serviceRow) toDomain() credit.Service {
	return credit.Service{ID: credit.ServiceID(r.ID), Name: r.Name, Unit: credit.Unit(r.Unit)}
}

func (r packageRow) toDomain() credit.ServicePackage {
	return credit.ServicePackage{
		ID:        credit.PackageID(r.ID),
		Name:      r.Name,
		ServiceID: credit.ServiceID(r.ServiceID),
		Durations: durations(r.DurationHours, r.DurationDays, r.DurationMonths),
	}
}

func (r orderRow) toDomain() credit.Order {
	return credit.Order{
		ID:         credit.OrderID(r.ID),
		CustomerID: credit.CustomerID(r.CustomerID),
		Status:     credit.OrderStatus(r.Status),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func (r orderItemRow) toDomain() credit.OrderItem {
	return credit.OrderItem{
		ID:        credit.OrderItemID(r.ID),
		OrderID:   credit.OrderID(r.OrderID),
		ItemType:  credit.ItemType(r.ItemType),
		ItemID:    r.ItemID,
		Quantity:  r.Quantity,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func creditRowFrom(c credit.Credit) creditRow {
	h, d, m := nullDecimals(c.Totals)
	row := creditRow{
		ID:          string(c.ID),
		CustomerID:  string(c.CustomerID),
		OrderItemID: string(c.OrderItemID),
		ServiceID:   string(c.ServiceID),
		Unit:        string(c.Unit),
		TotalHours:  h,
		TotalDays:   d,
		TotalMonths: m,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt,
	}
	if c.ServicePackageID != nil {
		pkg := string(*c.ServicePackageID)
		row.ServicePackageID = &pkg
	}
	return row
}

func (r creditRow) toDomain() credit.Credit {
	c := credit.Credit{
		ID:          credit.CreditID(r.ID),
		CustomerID:  credit.CustomerID(r.CustomerID),
		OrderItemID: credit.OrderItemID(r.OrderItemID),
		ServiceID:   credit.ServiceID(r.ServiceID),
		Unit:        credit.Unit(r.Unit),
		Totals:      durations(r.TotalHours, r.TotalDays, r.TotalMonths),
		Status:      credit.CreditStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.ServicePackageID != nil {
		pkg := credit.PackageID(*r.ServicePackageID)
		c.ServicePackageID = &pkg
	}
	return c
}

func appointmentRowFrom(a credit.Consumption) appointmentRow {
	h, d, m := nullDecimals(a.Durations)
	row := appointmentRow{
		ID:             string(a.ID),
		CustomerID:     string(a.CustomerID),
		ServiceID:      string(a.ServiceID),
		DurationHours:  h,
		DurationDays:   d,
		DurationMonths: m,
		Status:         string(a.Status),
		ScheduledAt:    a.ScheduledAt,
		CancelledAt:    a.CancelledAt,
	}
	if a.CreditID != nil {
		id := string(*a.CreditID)
		row.CreditID = &id
	}
	return row
}

func (r appointmentRow) toDomain() credit.Consumption {
	a := credit.Consumption{
		ID:          credit.AppointmentID(r.ID),
		CustomerID:  credit.CustomerID(r.CustomerID),
		ServiceID:   credit.ServiceID(r.ServiceID),
		Durations:   durations(r.DurationHours, r.DurationDays, r.DurationMonths),
		Status:      credit.ConsumptionStatus(r.Status),
		ScheduledAt: r.ScheduledAt.UTC(),
	}
	if r.CreditID != nil {
		id := credit.CreditID(*r.CreditID)
		a.CreditID = &id
	}
	if r.CancelledAt != nil {
		t := r.CancelledAt.UTC()
		a.CancelledAt = &t
	}
	return a
}
