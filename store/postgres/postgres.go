/*
Package postgres implements the credit store on PostgreSQL through gorm.

PURPOSE:
  Production storage. Same contract as store/sqlite: credit.TxStore plus
  credit.Writer, with insert-or-ignore issuance backed by the unique index
  on credits.order_item_id.

INSERT-OR-IGNORE:
  InsertCredit issues INSERT ... ON CONFLICT (order_item_id) DO NOTHING and
  reports RowsAffected == 1. A concurrent issuance that loses the race sees
  0 rows and re-reads the winner.

SCHEMA:
  Versioned SQL migrations embedded from migrations/ and applied with
  golang-migrate (see migrate.go). 0002 removes duplicate credits left by
  the old trigger before it creates the unique index.

TESTS:
  The gorm code is dialect-neutral, so tests run it on gorm.io/driver/sqlite
  with AutoMigrate(AllModels()...).

SEE ALSO:
  - models.go: Row types and conversions
  - migrate.go: Migration runner
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormprom "gorm.io/plugin/prometheus"

	"github.com/kiteflow/credit-engine/credit"
	"github.com/kiteflow/credit-engine/logger"
)

var (
	_ credit.TxStore = (*Store)(nil)
	_ credit.Writer  = (*Store)(nil)
)

// Store implements credit.TxStore and credit.Writer using gorm.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Config holds connection settings.
type Config struct {
	DSN          string
	MaxOpenConns int

	// PoolMetrics registers connection pool gauges with the default
	// Prometheus registry (gorm prometheus plugin).
	PoolMetrics bool
}

// Open connects to Postgres with gorm and a zap-backed gorm logger.
func Open(cfg Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.NewGormLogger(log, logger.DefaultGormLoggerConfig()),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.PoolMetrics {
		err := db.Use(gormprom.New(gormprom.Config{
			DBName:          "credits",
			RefreshInterval: 15,
		}))
		if err != nil {
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return db, nil
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Reset truncates every table (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&appointmentRow{}, &creditRow{}, &orderItemRow{}, &orderRow{}, &packageRow{}, &serviceRow{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// CATALOGUE & ORDERS
// =============================================================================

// first loads one row by primary key. Missing rows return (false, nil).
func first[T any](ctx context.Context, db *gorm.DB, row *T, where string, arg any) (bool, error) {
	err := db.WithContext(ctx).Where(where, arg).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) GetService(ctx context.Context, id credit.ServiceID) (*credit.Service, error) {
	var row serviceRow
	ok, err := first(ctx, s.db, &row, "id = ?", string(id))
	if !ok {
		return nil, err
	}
	svc := row.toDomain()
	return &svc, nil
}

func (s *Store) GetServicePackage(ctx context.Context, id credit.PackageID) (*credit.ServicePackage, error) {
	var row packageRow
	ok, err := first(ctx, s.db, &row, "id = ?", string(id))
	if !ok {
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) GetOrder(ctx context.Context, id credit.OrderID) (*credit.Order, error) {
	var row orderRow
	ok, err := first(ctx, s.db, &row, "id = ?", string(id))
	if !ok {
		return nil, err
	}
	o := row.toDomain()
	return &o, nil
}

func (s *Store) GetOrderItem(ctx context.Context, id credit.OrderItemID) (*credit.OrderItem, error) {
	var row orderItemRow
	ok, err := first(ctx, s.db, &row, "id = ?", string(id))
	if !ok {
		return nil, err
	}
	it := row.toDomain()
	return &it, nil
}

func (s *Store) OrderItemsForOrder(ctx context.Context, id credit.OrderID) ([]credit.OrderItem, error) {
	var rows []orderItemRow
	if err := s.db.WithContext(ctx).
		Where("order_id = ?", string(id)).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	out := make([]credit.OrderItem, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) InsertOrderItem(ctx context.Context, item credit.OrderItem) error {
	row := orderItemRow{
		ID:        string(item.ID),
		OrderID:   string(item.OrderID),
		ItemType:  string(item.ItemType),
		ItemID:    item.ItemID,
		Quantity:  item.Quantity,
		CreatedAt: item.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isDuplicateKeyErr(err) {
		return fmt.Errorf("order item %s: %w", item.ID, credit.ErrOrderItemExists)
	}
	if err != nil {
		return fmt.Errorf("insert order item: %w", err)
	}
	return nil
}

func (s *Store) SetOrderStatus(ctx context.Context, id credit.OrderID, status credit.OrderStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&orderRow{}).
		Where("id = ?", string(id)).
		Update("status", string(status))
	if res.Error != nil {
		return false, fmt.Errorf("update order status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// =============================================================================
// CREDITS
// =============================================================================

func (s *Store) InsertCredit(ctx context.Context, c credit.Credit) (bool, error) {
	if err := c.Totals.Validate(c.Unit); err != nil {
		return false, err
	}
	row := creditRowFrom(c)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_item_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert credit: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetCredit(ctx context.Context, id credit.CreditID) (*credit.Credit, error) {
	var row creditRow
	ok, err := first(ctx, s.db, &row, "id = ?", string(id))
	if !ok {
		return nil, err
	}
	c := row.toDomain()
	return &c, nil
}

func (s *Store) CreditForOrderItem(ctx context.Context, id credit.OrderItemID) (*credit.Credit, error) {
	var row creditRow
	ok, err := first(ctx, s.db, &row, "order_item_id = ?", string(id))
	if !ok {
		return nil, err
	}
	c := row.toDomain()
	return &c, nil
}

func (s *Store) ListCredits(ctx context.Context, f credit.CreditFilter) ([]credit.Credit, error) {
	q := s.db.WithContext(ctx).Model(&creditRow{})
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", string(f.CustomerID))
	}
	if f.ServiceID != "" {
		q = q.Where("service_id = ?", string(f.ServiceID))
	}
	if f.OrderID != "" {
		q = q.Where("order_item_id IN (?)",
			s.db.Model(&orderItemRow{}).Select("id").Where("order_id = ?", string(f.OrderID)))
	}

	var rows []creditRow
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list credits: %w", err)
	}
	out := make([]credit.Credit, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) DeleteCreditsByOrderItems(ctx context.Context, ids []credit.OrderItemID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := toStrings(ids)
	db := s.db.WithContext(ctx)

	creditIDs := db.Model(&creditRow{}).Select("id").Where("order_item_id IN ?", keys)
	if err := db.Model(&appointmentRow{}).
		Where("credit_id IN (?)", creditIDs).
		Update("credit_id", nil).Error; err != nil {
		return 0, fmt.Errorf("detach appointments: %w", err)
	}

	res := db.Where("order_item_id IN ?", keys).Delete(&creditRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete credits: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// consuming restricts a query to rows that draw down a balance.
func consuming(db *gorm.DB) *gorm.DB {
	statuses := make([]string, len(credit.ConsumingStatuses))
	for i, st := range credit.ConsumingStatuses {
		statuses[i] = string(st)
	}
	return db.Where("status IN ? AND cancelled_at IS NULL", statuses)
}

func (s *Store) ListOrphans(ctx context.Context, f credit.OrphanFilter) ([]credit.Consumption, error) {
	q := s.db.WithContext(ctx).Scopes(consuming).Where("credit_id IS NULL")
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", string(f.CustomerID))
	}
	if f.ServiceID != "" {
		q = q.Where("service_id = ?", string(f.ServiceID))
	}
	return findAppointments(q.Order("scheduled_at ASC, id ASC"))
}

func (s *Store) AttachOrphans(ctx context.Context, c credit.Credit) (int, error) {
	col, ok := durationColumn(c.Unit)
	if !ok {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&appointmentRow{}).
		Scopes(consuming).
		Where("credit_id IS NULL AND customer_id = ? AND service_id = ?", string(c.CustomerID), string(c.ServiceID)).
		Where(col + " IS NOT NULL").
		Update("credit_id", string(c.ID))
	if res.Error != nil {
		return 0, fmt.Errorf("attach orphans: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) AttachConsumptions(ctx context.Context, creditID credit.CreditID, ids []credit.AppointmentID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&appointmentRow{}).
		Where("credit_id IS NULL AND id IN ?", toStrings(ids)).
		Update("credit_id", string(creditID))
	if res.Error != nil {
		return 0, fmt.Errorf("attach appointments: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) ConsumptionsForCredit(ctx context.Context, id credit.CreditID) ([]credit.Consumption, error) {
	return findAppointments(s.db.WithContext(ctx).
		Where("credit_id = ?", string(id)).
		Order("scheduled_at ASC, id ASC"))
}

func findAppointments(q *gorm.DB) ([]credit.Consumption, error) {
	var rows []appointmentRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	out := make([]credit.Consumption, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// =============================================================================
// WRITER (credit.Writer interface)
// =============================================================================

func upsert(ctx context.Context, db *gorm.DB, row any) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(row).Error
}

func (s *Store) SaveService(ctx context.Context, svc credit.Service) error {
	return upsert(ctx, s.db, &serviceRow{ID: string(svc.ID), Name: svc.Name, Unit: string(svc.Unit)})
}

func (s *Store) SaveServicePackage(ctx context.Context, p credit.ServicePackage) error {
	h, d, m := nullDecimals(p.Durations)
	return upsert(ctx, s.db, &packageRow{
		ID:             string(p.ID),
		Name:           p.Name,
		ServiceID:      string(p.ServiceID),
		DurationHours:  h,
		DurationDays:   d,
		DurationMonths: m,
	})
}

func (s *Store) SaveOrder(ctx context.Context, o credit.Order) error {
	return upsert(ctx, s.db, &orderRow{
		ID:         string(o.ID),
		CustomerID: string(o.CustomerID),
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	})
}

// SaveAppointment upserts a. A credit link, once set, is kept.
func (s *Store) SaveAppointment(ctx context.Context, a credit.Consumption) error {
	row := appointmentRowFrom(a)
	set := clause.AssignmentColumns([]string{
		"customer_id", "service_id", "duration_hours", "duration_days",
		"duration_months", "status", "scheduled_at", "cancelled_at",
	})
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "credit_id"},
		Value:  gorm.Expr("COALESCE(appointments.credit_id, excluded.credit_id)"),
	})
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoUpdates: set}).
		Create(&row).Error
}

// =============================================================================
// HELPERS
// =============================================================================

func durationColumn(u credit.Unit) (string, bool) {
	switch u {
	case credit.UnitHours:
		return "duration_hours", true
	case credit.UnitDays:
		return "duration_days", true
	case credit.UnitMonths:
		return "duration_months", true
	}
	return "", false
}

func toStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// isDuplicateKeyErr reports a unique violation from either dialect.
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
