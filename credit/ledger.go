/*
ledger.go - Application-layer entry points for the credit ledger

PURPOSE:
  The order-creation use case calls AddOrderItem; everything the old
  database trigger did happens here, explicitly, inside one transaction:

    insert order-item
      -> duplicate guard (existing credit for this order-item?)
      -> issuance rule (resolve service, compute total)
      -> insert-or-ignore credit
      -> orphan reconciliation

  Adding an item to a cancelled order fails with ErrOrderCancelled; the
  check runs inside the same transaction as the insert.

  Reads (balances, orphans) and the cancellation primitive live here too.

POLICY:
  Strict         false (default): unresolved services are skipped with a
                 warning, the order-item still commits.
                 true: unresolved services fail the call and roll back.
  ReconcileMode  attach_all (default) or within_balance. See reconcile.go.

OBSERVABILITY:
  Structured logs via zap; counters via the Recorder, recorded only after
  the transaction commits.

SEE ALSO:
  - issuance.go, reconcile.go, balance.go: The rules
  - store.go: TxStore contract
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// POLICY & HOOKS
// =============================================================================

type Policy struct {
	Strict        bool
	ReconcileMode ReconcileMode
}

// Recorder receives ledger events for metrics.
type Recorder interface {
	CreditIssued(unit Unit)
	IssuanceSkipped(status IssueStatus)
	OrphansAttached(n int)
	CreditsDeleted(n int)
	NegativeBalance(b Balance)
}

type NopRecorder struct{}

func (NopRecorder) CreditIssued(Unit)           {}
func (NopRecorder) IssuanceSkipped(IssueStatus) {}
func (NopRecorder) OrphansAttached(int)         {}
func (NopRecorder) CreditsDeleted(int)          {}
func (NopRecorder) NegativeBalance(Balance)     {}

// IssueOutcome reports what issuance did for one order-item.
type IssueOutcome struct {
	Status   IssueStatus
	Credit   *Credit // issued or pre-existing credit; nil otherwise
	Attached int     // orphans linked to a newly issued credit
	Reason   string  // why an unresolved item was skipped
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store   TxStore
	Policy  Policy
	Log     *zap.Logger
	Metrics Recorder

	NewID func() CreditID
	Now   func() time.Time
}

func NewLedger(store TxStore, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		Store:   store,
		Policy:  Policy{ReconcileMode: ReconcileAttachAll},
		Log:     log.Named("credit.ledger"),
		Metrics: NopRecorder{},
		NewID:   newCreditID,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// newCreditID returns a time-ordered UUID so that "lowest id" also means
// "issued first".
func newCreditID() CreditID {
	return CreditID(uuid.Must(uuid.NewV7()).String())
}

// AddOrderItem records a new order-item and issues its credit in the same
// transaction.
func (l *Ledger) AddOrderItem(ctx context.Context, item OrderItem) (IssueOutcome, error) {
	if !item.Quantity.IsPositive() {
		return IssueOutcome{}, fmt.Errorf("order item %s: %w", item.ID, ErrInvalidQuantity)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = l.Now()
	}

	var out IssueOutcome
	err := l.Store.WithTx(ctx, func(s Store) error {
		order, err := s.GetOrder(ctx, item.OrderID)
		if err != nil {
			return err
		}
		if order != nil && order.Status == OrderCancelled {
			return fmt.Errorf("order %s: %w", item.OrderID, ErrOrderCancelled)
		}
		if err := s.InsertOrderItem(ctx, item); err != nil {
			return err
		}
		out, err = l.issue(ctx, s, item)
		return err
	})
	if err != nil {
		return IssueOutcome{}, err
	}
	l.record(out)
	return out, nil
}

// IssueCredit runs issuance for an order-item that is already stored.
// Calling it again for the same item is safe: the result is AlreadyIssued.
func (l *Ledger) IssueCredit(ctx context.Context, item OrderItem) (IssueOutcome, error) {
	var out IssueOutcome
	err := l.Store.WithTx(ctx, func(s Store) error {
		var err error
		out, err = l.issue(ctx, s, item)
		return err
	})
	if err != nil {
		return IssueOutcome{}, err
	}
	l.record(out)
	return out, nil
}

// IssueForOrderItem loads the order-item by id and runs IssueCredit.
func (l *Ledger) IssueForOrderItem(ctx context.Context, id OrderItemID) (IssueOutcome, error) {
	item, err := l.Store.GetOrderItem(ctx, id)
	if err != nil {
		return IssueOutcome{}, err
	}
	if item == nil {
		return IssueOutcome{}, fmt.Errorf("order item %s: %w", id, ErrOrderItemNotFound)
	}
	return l.IssueCredit(ctx, *item)
}

func (l *Ledger) issue(ctx context.Context, s Store, item OrderItem) (IssueOutcome, error) {
	log := l.Log.With(zap.String("order_item_id", string(item.ID)))

	existing, err := s.CreditForOrderItem(ctx, item.ID)
	if err != nil {
		return IssueOutcome{}, err
	}
	if existing != nil {
		log.Info("credit already issued", zap.String("credit_id", string(existing.ID)))
		return IssueOutcome{Status: IssueAlreadyIssued, Credit: existing}, nil
	}

	planned, err := planCredit(ctx, s, item)
	var unresolved *UnresolvedServiceError
	if errors.As(err, &unresolved) {
		if l.Policy.Strict {
			return IssueOutcome{}, err
		}
		log.Warn("skipping credit issuance",
			zap.String("item_type", string(item.ItemType)),
			zap.String("item_id", item.ItemID),
			zap.String("reason", unresolved.Reason))
		return IssueOutcome{Status: IssueUnresolved, Reason: unresolved.Reason}, nil
	}
	if err != nil {
		return IssueOutcome{}, err
	}
	if planned == nil {
		return IssueOutcome{Status: IssueNotApplicable}, nil
	}

	planned.ID = l.NewID()
	planned.CreatedAt = l.Now()
	inserted, err := s.InsertCredit(ctx, *planned)
	if err != nil {
		return IssueOutcome{}, fmt.Errorf("insert credit: %w", err)
	}
	if !inserted {
		// A concurrent issuance committed first; the unique constraint kept
		// its row and dropped ours.
		existing, err = s.CreditForOrderItem(ctx, item.ID)
		if err != nil {
			return IssueOutcome{}, err
		}
		log.Warn("duplicate credit issuance prevented")
		return IssueOutcome{Status: IssueAlreadyIssued, Credit: existing}, nil
	}

	attached, err := reconcile(ctx, s, *planned, l.Policy.ReconcileMode)
	if err != nil {
		return IssueOutcome{}, fmt.Errorf("reconcile orphans: %w", err)
	}

	log.Info("credit issued",
		zap.String("credit_id", string(planned.ID)),
		zap.String("customer_id", string(planned.CustomerID)),
		zap.String("service_id", string(planned.ServiceID)),
		zap.Stringer("total", planned.Total()),
		zap.Int("orphans_attached", attached))
	return IssueOutcome{Status: IssueIssued, Credit: planned, Attached: attached}, nil
}

func (l *Ledger) record(out IssueOutcome) {
	switch out.Status {
	case IssueIssued:
		l.Metrics.CreditIssued(out.Credit.Unit)
		if out.Attached > 0 {
			l.Metrics.OrphansAttached(out.Attached)
		}
	default:
		l.Metrics.IssuanceSkipped(out.Status)
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileOrphans attaches pending orphans to an existing active credit.
func (l *Ledger) ReconcileOrphans(ctx context.Context, id CreditID) (int, error) {
	var n int
	err := l.Store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCredit(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("credit %s: %w", id, ErrCreditNotFound)
		}
		n, err = reconcile(ctx, s, *c, l.Policy.ReconcileMode)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.Metrics.OrphansAttached(n)
		l.Log.Info("orphans attached", zap.String("credit_id", string(id)), zap.Int("count", n))
	}
	return n, nil
}

// Orphans lists consuming appointments that have no credit.
func (l *Ledger) Orphans(ctx context.Context, filter OrphanFilter) ([]Consumption, error) {
	return l.Store.ListOrphans(ctx, filter)
}

// =============================================================================
// BALANCES
// =============================================================================

// ComputeBalance recomputes the balance of one credit from current rows.
func (l *Ledger) ComputeBalance(ctx context.Context, id CreditID) (Balance, error) {
	var b Balance
	err := l.Store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCredit(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("credit %s: %w", id, ErrCreditNotFound)
		}
		b, err = balanceOf(ctx, s, *c)
		return err
	})
	if err != nil {
		return Balance{}, err
	}
	l.observe(b)
	return b, nil
}

// Balances recomputes the balance of every credit matching filter.
func (l *Ledger) Balances(ctx context.Context, filter CreditFilter) ([]Balance, error) {
	var out []Balance
	err := l.Store.WithTx(ctx, func(s Store) error {
		credits, err := s.ListCredits(ctx, filter)
		if err != nil {
			return err
		}
		out = make([]Balance, 0, len(credits))
		for _, c := range credits {
			b, err := balanceOf(ctx, s, c)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, b := range out {
		l.observe(b)
	}
	return out, nil
}

// CustomerBalances is Balances for one customer.
func (l *Ledger) CustomerBalances(ctx context.Context, id CustomerID) ([]Balance, error) {
	return l.Balances(ctx, CreditFilter{CustomerID: id})
}

func balanceOf(ctx context.Context, s Store, c Credit) (Balance, error) {
	rows, err := s.ConsumptionsForCredit(ctx, c.ID)
	if err != nil {
		return Balance{}, err
	}
	return ComputeBalance(c, rows), nil
}

func (l *Ledger) observe(b Balance) {
	if !b.Negative() {
		return
	}
	l.Metrics.NegativeBalance(b)
	l.Log.Warn("negative credit balance",
		zap.String("credit_id", string(b.CreditID)),
		zap.String("customer_id", string(b.CustomerID)),
		zap.Stringer("available", b.Available))
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteCreditsForOrderItems removes the credits of the given order-items.
// Appointments that referenced them become orphans again.
func (l *Ledger) DeleteCreditsForOrderItems(ctx context.Context, ids []OrderItemID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	err := l.Store.WithTx(ctx, func(s Store) error {
		var err error
		n, err = s.DeleteCreditsByOrderItems(ctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.Metrics.CreditsDeleted(n)
	return n, nil
}

// CancelOrder marks the order cancelled and removes every credit issued for
// its items, in one transaction. Cancelling twice is a no-op.
func (l *Ledger) CancelOrder(ctx context.Context, id OrderID) (int, error) {
	var n int
	err := l.Store.WithTx(ctx, func(s Store) error {
		found, err := s.SetOrderStatus(ctx, id, OrderCancelled)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
		}
		items, err := s.OrderItemsForOrder(ctx, id)
		if err != nil {
			return err
		}
		ids := make([]OrderItemID, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		if len(ids) == 0 {
			return nil
		}
		n, err = s.DeleteCreditsByOrderItems(ctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.Metrics.CreditsDeleted(n)
	l.Log.Info("order credits removed", zap.String("order_id", string(id)), zap.Int("credits", n))
	return n, nil
}
