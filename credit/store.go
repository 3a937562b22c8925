/*
store.go - Persistence interfaces for credits and consumption

PURPOSE:
  Defines the boundary between the ledger rules and the relational store.
  The rules only ever see these interfaces; SQLite, Postgres and in-memory
  implementations live elsewhere.

KEY INTERFACES:
  Store:   Reads and writes the rules need (runs inside a transaction)
  TxStore: Store + WithTx for atomic issue-then-reconcile
  Writer:  Collaborator-side writes (catalog, orders, appointments)

UNIQUENESS CONTRACT:
  InsertCredit is insert-or-ignore keyed on order_item_id. Implementations
  MUST back this with a unique constraint (or an equivalent lock) so two
  concurrent issuances cannot both write. The boolean result says whether
  this call wrote the row.

MONOTONIC ATTACH CONTRACT:
  AttachOrphans and AttachConsumptions only ever update rows whose
  credit_id IS NULL. A linked appointment is never re-pointed by them.

IMPLEMENTATIONS:
  - credit/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/postgres/postgres.go: Postgres via gorm

SEE ALSO:
  - ledger.go: Uses TxStore
*/
package credit

import "context"

// =============================================================================
// STORE - what the rules read and write
// =============================================================================

// CreditFilter narrows ListCredits. Zero value lists everything.
type CreditFilter struct {
	CustomerID CustomerID
	ServiceID  ServiceID
	OrderID    OrderID
}

// OrphanFilter narrows ListOrphans. Zero value lists every orphan that
// still consumes (scheduled/completed, not cancelled).
type OrphanFilter struct {
	CustomerID CustomerID
	ServiceID  ServiceID
}

type Store interface {
	// Catalog and order lookups. Missing rows return (nil, nil).
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	GetOrderItem(ctx context.Context, id OrderItemID) (*OrderItem, error)
	GetService(ctx context.Context, id ServiceID) (*Service, error)
	GetServicePackage(ctx context.Context, id PackageID) (*ServicePackage, error)
	OrderItemsForOrder(ctx context.Context, id OrderID) ([]OrderItem, error)

	// InsertOrderItem records a new order-item. The order-creation use case
	// calls this in the same transaction as issuance.
	InsertOrderItem(ctx context.Context, item OrderItem) error

	// SetOrderStatus updates the status of an existing order. Returns false
	// when the order does not exist.
	SetOrderStatus(ctx context.Context, id OrderID, status OrderStatus) (bool, error)

	// CreditForOrderItem returns the credit issued for an order-item, or nil.
	CreditForOrderItem(ctx context.Context, id OrderItemID) (*Credit, error)

	// InsertCredit writes c unless a credit already exists for
	// c.OrderItemID. Returns true when the row was written.
	InsertCredit(ctx context.Context, c Credit) (bool, error)

	GetCredit(ctx context.Context, id CreditID) (*Credit, error)
	ListCredits(ctx context.Context, filter CreditFilter) ([]Credit, error)

	// DeleteCreditsByOrderItems removes the credits of the given order-items
	// and detaches (credit_id = NULL) any appointment that referenced them.
	// Returns the number of credits removed.
	DeleteCreditsByOrderItems(ctx context.Context, ids []OrderItemID) (int, error)

	// ListOrphans returns consuming appointments with no credit, oldest first.
	ListOrphans(ctx context.Context, filter OrphanFilter) ([]Consumption, error)

	// AttachOrphans links every consuming orphan with c's customer and
	// service, and a duration in c's unit, to c in one statement.
	// Returns the number of rows updated.
	AttachOrphans(ctx context.Context, c Credit) (int, error)

	// AttachConsumptions links the listed appointments to creditID, skipping
	// any that already carry a credit. Returns the number of rows updated.
	AttachConsumptions(ctx context.Context, creditID CreditID, ids []AppointmentID) (int, error)

	// ConsumptionsForCredit returns every appointment referencing creditID,
	// including cancelled ones. Filtering is the balance query's job.
	ConsumptionsForCredit(ctx context.Context, creditID CreditID) ([]Consumption, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// WRITER - collaborator-side writes
// =============================================================================

// Writer covers the rows owned by the order and scheduling subsystems.
// The ledger never calls it; the API, demo scenarios and tests do.
type Writer interface {
	SaveService(ctx context.Context, s Service) error
	SaveServicePackage(ctx context.Context, p ServicePackage) error
	SaveOrder(ctx context.Context, o Order) error
	SaveAppointment(ctx context.Context, c Consumption) error
}
