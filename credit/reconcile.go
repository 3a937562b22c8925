/*
reconcile.go - Attach orphaned appointments to a new credit

RULE:
  Right after a credit is issued, appointments of the same customer and
  service that have no credit, are scheduled or completed, and are not
  cancelled get linked to it.

MODES:
  attach_all      Link every matching orphan in one UPDATE. The balance may
                  go negative; that is surfaced, not prevented.
  within_balance  Link orphans oldest-first while the credit still covers
                  them; stop at the first one that does not fit. The rest
                  stay orphaned for the next credit.

MONOTONICITY:
  Both modes only touch rows whose credit_id IS NULL.
*/
package credit

import (
	"context"
	"fmt"
)

type ReconcileMode string

const (
	ReconcileAttachAll     ReconcileMode = "attach_all"
	ReconcileWithinBalance ReconcileMode = "within_balance"
)

func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch ReconcileMode(s) {
	case "", ReconcileAttachAll:
		return ReconcileAttachAll, nil
	case ReconcileWithinBalance:
		return ReconcileWithinBalance, nil
	}
	return "", fmt.Errorf("unknown reconcile mode %q", s)
}

// reconcile links orphans to c according to mode and returns how many rows
// were attached.
func reconcile(ctx context.Context, s Store, c Credit, mode ReconcileMode) (int, error) {
	if c.Status != CreditActive {
		return 0, nil
	}
	if mode != ReconcileWithinBalance {
		return s.AttachOrphans(ctx, c)
	}

	linked, err := s.ConsumptionsForCredit(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	remaining := ComputeBalance(c, linked).Available

	orphans, err := s.ListOrphans(ctx, OrphanFilter{CustomerID: c.CustomerID, ServiceID: c.ServiceID})
	if err != nil {
		return 0, err
	}

	var ids []AppointmentID
	for _, o := range orphans {
		d, ok := o.Durations.Get(c.Unit)
		if !ok {
			continue
		}
		if remaining.Sub(d).IsNegative() {
			break
		}
		remaining = remaining.Sub(d)
		ids = append(ids, o.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.AttachConsumptions(ctx, c.ID, ids)
}
