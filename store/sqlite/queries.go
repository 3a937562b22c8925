package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kiteflow/credit-engine/credit"
)

// timeLayout is fixed-width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements credit.Store and credit.Writer against a querier.
type queries struct {
	q querier
}

var (
	_ credit.Store  = (*queries)(nil)
	_ credit.Writer = (*queries)(nil)
)

// =============================================================================
// CATALOGUE & ORDERS
// =============================================================================

func (s *queries) GetService(ctx context.Context, id credit.ServiceID) (*credit.Service, error) {
	var svc credit.Service
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, unit FROM services WHERE id = ?", id,
	).Scan(&svc.ID, &svc.Name, &svc.Unit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return &svc, nil
}

func (s *queries) GetServicePackage(ctx context.Context, id credit.PackageID) (*credit.ServicePackage, error) {
	var (
		p       credit.ServicePackage
		h, d, m sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, service_id, duration_hours, duration_days, duration_months
		FROM service_packages WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.ServiceID, &h, &d, &m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service package: %w", err)
	}
	if p.Durations, err = parseDurations(h, d, m); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *queries) GetOrder(ctx context.Context, id credit.OrderID) (*credit.Order, error) {
	var (
		o         credit.Order
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT id, customer_id, status, created_at FROM orders WHERE id = ?", id,
	).Scan(&o.ID, &o.CustomerID, &o.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

const orderItemColumns = "id, order_id, item_type, item_id, quantity, created_at"

func (s *queries) GetOrderItem(ctx context.Context, id credit.OrderItemID) (*credit.OrderItem, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+orderItemColumns+" FROM order_items WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order item: %w", err)
	}
	items, err := scanOrderItems(rows)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

func (s *queries) OrderItemsForOrder(ctx context.Context, id credit.OrderID) ([]credit.OrderItem, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = ? ORDER BY created_at ASC, id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	return scanOrderItems(rows)
}

func (s *queries) InsertOrderItem(ctx context.Context, item credit.OrderItem) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO order_items ("+orderItemColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		item.ID, item.OrderID, item.ItemType, item.ItemID,
		item.Quantity.String(), formatTime(item.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("order item %s: %w", item.ID, credit.ErrOrderItemExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order item: %w", err)
	}
	return nil
}

func (s *queries) SetOrderStatus(ctx context.Context, id credit.OrderID, status credit.OrderStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx, "UPDATE orders SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanOrderItems(rows *sql.Rows) ([]credit.OrderItem, error) {
	defer rows.Close()

	var items []credit.OrderItem
	for rows.Next() {
		var (
			it                  credit.OrderItem
			quantity, createdAt string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ItemType, &it.ItemID, &quantity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		q, err := decimal.NewFromString(quantity)
		if err != nil {
			return nil, fmt.Errorf("order item %s quantity: %w", it.ID, err)
		}
		it.Quantity = q
		it.CreatedAt = parseTime(createdAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// =============================================================================
// CREDITS
// =============================================================================

const creditColumns = `id, customer_id, order_item_id, service_id, service_package_id, unit,
	total_hours, total_days, total_months, status, created_at`

// InsertCredit is INSERT ... ON CONFLICT(order_item_id) DO NOTHING.
func (s *queries) InsertCredit(ctx context.Context, c credit.Credit) (bool, error) {
	if err := c.Totals.Validate(c.Unit); err != nil {
		return false, err
	}
	h, d, m := durationArgs(c.Totals)
	var pkg sql.NullString
	if c.ServicePackageID != nil {
		pkg = sql.NullString{String: string(*c.ServicePackageID), Valid: true}
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO credits (`+creditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_item_id) DO NOTHING`,
		c.ID, c.CustomerID, c.OrderItemID, c.ServiceID, pkg, c.Unit,
		h, d, m, c.Status, formatTime(c.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *queries) GetCredit(ctx context.Context, id credit.CreditID) (*credit.Credit, error) {
	return s.oneCredit(ctx, "SELECT "+creditColumns+" FROM credits WHERE id = ?", id)
}

func (s *queries) CreditForOrderItem(ctx context.Context, id credit.OrderItemID) (*credit.Credit, error) {
	return s.oneCredit(ctx, "SELECT "+creditColumns+" FROM credits WHERE order_item_id = ?", id)
}

func (s *queries) oneCredit(ctx context.Context, query string, arg any) (*credit.Credit, error) {
	credits, err := s.queryCredits(ctx, query, arg)
	if err != nil || len(credits) == 0 {
		return nil, err
	}
	return &credits[0], nil
}

func (s *queries) ListCredits(ctx context.Context, f credit.CreditFilter) ([]credit.Credit, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, f.ServiceID)
	}
	if f.OrderID != "" {
		where = append(where, "order_item_id IN (SELECT id FROM order_items WHERE order_id = ?)")
		args = append(args, f.OrderID)
	}

	query := "SELECT " + creditColumns + " FROM credits"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.queryCredits(ctx, query, args...)
}

func (s *queries) DeleteCreditsByOrderItems(ctx context.Context, ids []credit.OrderItemID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)

	// ON DELETE SET NULL covers this too; the explicit UPDATE keeps the
	// behaviour when foreign keys are switched off on a connection.
	if _, err := s.q.ExecContext(ctx,
		"UPDATE appointments SET credit_id = NULL WHERE credit_id IN (SELECT id FROM credits WHERE order_item_id IN "+in+")",
		args...); err != nil {
		return 0, fmt.Errorf("failed to detach appointments: %w", err)
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM credits WHERE order_item_id IN "+in, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete credits: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *queries) queryCredits(ctx context.Context, query string, args ...any) ([]credit.Credit, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var credits []credit.Credit
	for rows.Next() {
		var (
			c         credit.Credit
			pkg       sql.NullString
			h, d, m   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.OrderItemID, &c.ServiceID, &pkg, &c.Unit,
			&h, &d, &m, &c.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		if pkg.Valid {
			id := credit.PackageID(pkg.String)
			c.ServicePackageID = &id
		}
		if c.Totals, err = parseDurations(h, d, m); err != nil {
			return nil, fmt.Errorf("credit %s totals: %w", c.ID, err)
		}
		c.CreatedAt = parseTime(createdAt)
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `id, customer_id, service_id, credit_id,
	duration_hours, duration_days, duration_months, status, scheduled_at, cancelled_at`

// consuming is the SQL form of Consumption.Consumes.
const consuming = "status IN ('scheduled', 'completed') AND cancelled_at IS NULL"

func (s *queries) ListOrphans(ctx context.Context, f credit.OrphanFilter) ([]credit.Consumption, error) {
	query := "SELECT " + appointmentColumns + " FROM appointments WHERE credit_id IS NULL AND " + consuming
	var args []any
	if f.CustomerID != "" {
		query += " AND customer_id = ?"
		args = append(args, f.CustomerID)
	}
	if f.ServiceID != "" {
		query += " AND service_id = ?"
		args = append(args, f.ServiceID)
	}
	query += " ORDER BY scheduled_at ASC, id ASC"
	return s.queryAppointments(ctx, query, args...)
}

func (s *queries) AttachOrphans(ctx context.Context, c credit.Credit) (int, error) {
	col, ok := durationColumn(c.Unit)
	if !ok {
		return 0, nil
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE appointments SET credit_id = ?
		WHERE credit_id IS NULL
		  AND customer_id = ? AND service_id = ?
		  AND `+col+` IS NOT NULL
		  AND `+consuming,
		c.ID, c.CustomerID, c.ServiceID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to attach orphans: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *queries) AttachConsumptions(ctx context.Context, creditID credit.CreditID, ids []credit.AppointmentID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)
	res, err := s.q.ExecContext(ctx,
		"UPDATE appointments SET credit_id = ? WHERE credit_id IS NULL AND id IN "+in,
		append([]any{creditID}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to attach appointments: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *queries) ConsumptionsForCredit(ctx context.Context, id credit.CreditID) ([]credit.Consumption, error) {
	return s.queryAppointments(ctx,
		"SELECT "+appointmentColumns+" FROM appointments WHERE credit_id = ? ORDER BY scheduled_at ASC, id ASC", id)
}

func (s *queries) queryAppointments(ctx context.Context, query string, args ...any) ([]credit.Consumption, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var out []credit.Consumption
	for rows.Next() {
		var (
			a           credit.Consumption
			creditID    sql.NullString
			h, d, m     sql.NullString
			scheduledAt string
			cancelledAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.ServiceID, &creditID,
			&h, &d, &m, &a.Status, &scheduledAt, &cancelledAt); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		if creditID.Valid {
			id := credit.CreditID(creditID.String)
			a.CreditID = &id
		}
		if a.Durations, err = parseDurations(h, d, m); err != nil {
			return nil, fmt.Errorf("appointment %s durations: %w", a.ID, err)
		}
		a.ScheduledAt = parseTime(scheduledAt)
		if cancelledAt.Valid {
			t := parseTime(cancelledAt.String)
			a.CancelledAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// WRITER (credit.Writer interface)
// =============================================================================

func (s *queries) SaveService(ctx context.Context, svc credit.Service) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO services (id, name, unit) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, unit = excluded.unit`,
		svc.ID, svc.Name, svc.Unit,
	)
	if err != nil {
		return fmt.Errorf("failed to save service: %w", err)
	}
	return nil
}

func (s *queries) SaveServicePackage(ctx context.Context, p credit.ServicePackage) error {
	h, d, m := durationArgs(p.Durations)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO service_packages (id, name, service_id, duration_hours, duration_days, duration_months)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			service_id = excluded.service_id,
			duration_hours = excluded.duration_hours,
			duration_days = excluded.duration_days,
			duration_months = excluded.duration_months`,
		p.ID, p.Name, p.ServiceID, h, d, m,
	)
	if err != nil {
		return fmt.Errorf("failed to save service package: %w", err)
	}
	return nil
}

func (s *queries) SaveOrder(ctx context.Context, o credit.Order) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, status, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET customer_id = excluded.customer_id, status = excluded.status`,
		o.ID, o.CustomerID, o.Status, formatTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// SaveAppointment upserts a. A credit link, once set, is kept.
func (s *queries) SaveAppointment(ctx context.Context, a credit.Consumption) error {
	h, d, m := durationArgs(a.Durations)
	var creditID, cancelledAt sql.NullString
	if a.CreditID != nil {
		creditID = sql.NullString{String: string(*a.CreditID), Valid: true}
	}
	if a.CancelledAt != nil {
		cancelledAt = sql.NullString{String: formatTime(*a.CancelledAt), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			service_id = excluded.service_id,
			credit_id = COALESCE(appointments.credit_id, excluded.credit_id),
			duration_hours = excluded.duration_hours,
			duration_days = excluded.duration_days,
			duration_months = excluded.duration_months,
			status = excluded.status,
			scheduled_at = excluded.scheduled_at,
			cancelled_at = excluded.cancelled_at`,
		a.ID, a.CustomerID, a.ServiceID, creditID, h, d, m,
		a.Status, formatTime(a.ScheduledAt), cancelledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save appointment: %w", err)
	}
	return nil
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

func durationArgs(d credit.Durations) (h, days, m sql.NullString) {
	conv := func(v *decimal.Decimal) sql.NullString {
		if v == nil {
			return sql.NullString{}
		}
		return sql.NullString{String: v.String(), Valid: true}
	}
	return conv(d.Hours), conv(d.Days), conv(d.Months)
}

func parseDurations(h, d, m sql.NullString) (credit.Durations, error) {
	var out credit.Durations
	for _, f := range []struct {
		src sql.NullString
		dst **decimal.Decimal
	}{{h, &out.Hours}, {d, &out.Days}, {m, &out.Months}} {
		if !f.src.Valid {
			continue
		}
		v, err := decimal.NewFromString(f.src.String)
		if err != nil {
			return credit.Durations{}, err
		}
		*f.dst = &v
	}
	return out, nil
}

func inClause[T ~string](ids []T) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
