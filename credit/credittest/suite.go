/*
Package credittest provides a conformance suite for credit.TxStore
implementations and small fixture helpers shared by tests.

USAGE:
  func TestStoreConformance(t *testing.T) {
      credittest.RunStoreSuite(t, func(t *testing.T) credittest.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }
*/
package credittest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiteflow/credit-engine/credit"
)

// Store is what the suite needs from an implementation.
type Store interface {
	credit.TxStore
	credit.Writer
}

// =============================================================================
// FIXTURE HELPERS
// =============================================================================

var Epoch = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

// Dur builds a durations triple with only unit's field set.
func Dur(unit credit.Unit, v float64) credit.Durations {
	return credit.DurationsOf(credit.NewAmount(v, unit))
}

func Qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// Appointment builds a consuming (scheduled) appointment at Epoch+offset hours.
func Appointment(id, customer, service string, d credit.Durations, offset int) credit.Consumption {
	return credit.Consumption{
		ID:          credit.AppointmentID(id),
		CustomerID:  credit.CustomerID(customer),
		ServiceID:   credit.ServiceID(service),
		Durations:   d,
		Status:      credit.ConsumptionScheduled,
		ScheduledAt: Epoch.Add(time.Duration(offset) * time.Hour),
	}
}

// SeedCatalog stores a small kite-school catalogue:
//
//	svc-lesson   hours   pkg-10h  (10 hours)
//	svc-rental   days    pkg-week (7 days)
//	svc-season   months  pkg-season (3 months)
//	svc-shop     none
func SeedCatalog(t *testing.T, s credit.Writer) {
	t.Helper()
	ctx := context.Background()
	for _, svc := range []credit.Service{
		{ID: "svc-lesson", Name: "Private kite lesson", Unit: credit.UnitHours},
		{ID: "svc-rental", Name: "Board rental", Unit: credit.UnitDays},
		{ID: "svc-season", Name: "Season storage", Unit: credit.UnitMonths},
		{ID: "svc-shop", Name: "Shop item", Unit: credit.UnitNone},
	} {
		require.NoError(t, s.SaveService(ctx, svc))
	}
	for _, p := range []credit.ServicePackage{
		{ID: "pkg-10h", Name: "10h course", ServiceID: "svc-lesson", Durations: Dur(credit.UnitHours, 10)},
		{ID: "pkg-week", Name: "Rental week", ServiceID: "svc-rental", Durations: Dur(credit.UnitDays, 7)},
		{ID: "pkg-season", Name: "Quarter storage", ServiceID: "svc-season", Durations: Dur(credit.UnitMonths, 3)},
	} {
		require.NoError(t, s.SaveServicePackage(ctx, p))
	}
}

// SeedOrder stores an open order for customer.
func SeedOrder(t *testing.T, s credit.Writer, id, customer string) {
	t.Helper()
	require.NoError(t, s.SaveOrder(context.Background(), credit.Order{
		ID:         credit.OrderID(id),
		CustomerID: credit.CustomerID(customer),
		Status:     credit.OrderOpen,
		CreatedAt:  Epoch,
	}))
}

func newCredit(id, orderItem, customer, service string, d credit.Durations, unit credit.Unit) credit.Credit {
	return credit.Credit{
		ID:          credit.CreditID(id),
		CustomerID:  credit.CustomerID(customer),
		OrderItemID: credit.OrderItemID(orderItem),
		ServiceID:   credit.ServiceID(service),
		Unit:        unit,
		Totals:      d,
		Status:      credit.CreditActive,
		CreatedAt:   Epoch,
	}
}

// =============================================================================
// SUITE
// =============================================================================

// RunStoreSuite checks the storage contracts the ledger relies on.
func RunStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	setup := func(t *testing.T) Store {
		s := open(t)
		SeedCatalog(t, s)
		SeedOrder(t, s, "ord-1", "cust-5")
		for _, it := range []credit.OrderItem{
			{ID: "oi-1", OrderID: "ord-1", ItemType: credit.ItemServicePackage, ItemID: "pkg-10h", Quantity: Qty(1), CreatedAt: Epoch},
			{ID: "oi-2", OrderID: "ord-1", ItemType: credit.ItemService, ItemID: "svc-rental", Quantity: Qty(2), CreatedAt: Epoch.Add(time.Minute)},
		} {
			require.NoError(t, s.InsertOrderItem(ctx, it))
		}
		return s
	}

	t.Run("lookups of missing rows return nil", func(t *testing.T) {
		s := open(t)
		o, err := s.GetOrder(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, o)
		svc, err := s.GetService(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, svc)
		p, err := s.GetServicePackage(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, p)
		c, err := s.GetCredit(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, c)
		it, err := s.GetOrderItem(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, it)
	})

	t.Run("catalog round trip", func(t *testing.T) {
		s := setup(t)
		svc, err := s.GetService(ctx, "svc-season")
		require.NoError(t, err)
		require.NotNil(t, svc)
		assert.Equal(t, credit.UnitMonths, svc.Unit)

		p, err := s.GetServicePackage(ctx, "pkg-10h")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, credit.ServiceID("svc-lesson"), p.ServiceID)
		h, ok := p.Durations.Get(credit.UnitHours)
		require.True(t, ok)
		assert.True(t, h.Value.Equal(decimal.NewFromInt(10)))
		_, ok = p.Durations.Get(credit.UnitDays)
		assert.False(t, ok)

		items, err := s.OrderItemsForOrder(ctx, "ord-1")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, credit.OrderItemID("oi-1"), items[0].ID)
		assert.True(t, items[1].Quantity.Equal(Qty(2)))
	})

	t.Run("order item ids are unique", func(t *testing.T) {
		s := setup(t)
		err := s.InsertOrderItem(ctx, credit.OrderItem{ID: "oi-1", OrderID: "ord-1", ItemType: credit.ItemService, ItemID: "svc-lesson", Quantity: Qty(1), CreatedAt: Epoch})
		assert.ErrorIs(t, err, credit.ErrOrderItemExists)
	})

	t.Run("insert credit is insert-or-ignore per order item", func(t *testing.T) {
		s := setup(t)
		first := newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours)
		ok, err := s.InsertCredit(ctx, first)
		require.NoError(t, err)
		assert.True(t, ok)

		second := newCredit("cr-2", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours)
		ok, err = s.InsertCredit(ctx, second)
		require.NoError(t, err)
		assert.False(t, ok, "second credit for the same order item must be ignored")

		got, err := s.CreditForOrderItem(ctx, "oi-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, credit.CreditID("cr-1"), got.ID)

		all, err := s.ListCredits(ctx, credit.CreditFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("concurrent issuance keeps one row", func(t *testing.T) {
		s := setup(t)
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := newCredit("cr-race-"+string(rune('a'+i)), "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours)
				err := s.WithTx(ctx, func(tx credit.Store) error {
					ok, err := tx.InsertCredit(ctx, c)
					if ok {
						mu.Lock()
						inserted++
						mu.Unlock()
					}
					return err
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, inserted)
		all, err := s.ListCredits(ctx, credit.CreditFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("credit round trip keeps one populated total", func(t *testing.T) {
		s := setup(t)
		pkg := credit.PackageID("pkg-10h")
		c := newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 12.5), credit.UnitHours)
		c.ServicePackageID = &pkg
		_, err := s.InsertCredit(ctx, c)
		require.NoError(t, err)

		got, err := s.GetCredit(ctx, "cr-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.NoError(t, got.Totals.Validate(credit.UnitHours))
		assert.True(t, got.Total().Value.Equal(decimal.NewFromFloat(12.5)))
		require.NotNil(t, got.ServicePackageID)
		assert.Equal(t, pkg, *got.ServicePackageID)
		assert.Equal(t, credit.CreditActive, got.Status)

		direct := newCredit("cr-2", "oi-2", "cust-5", "svc-rental", Dur(credit.UnitDays, 2), credit.UnitDays)
		_, err = s.InsertCredit(ctx, direct)
		require.NoError(t, err)
		got, err = s.GetCredit(ctx, "cr-2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.ServicePackageID)
	})

	t.Run("list credits filters", func(t *testing.T) {
		s := setup(t)
		SeedOrder(t, s, "ord-2", "cust-9")
		require.NoError(t, s.InsertOrderItem(ctx, credit.OrderItem{ID: "oi-9", OrderID: "ord-2", ItemType: credit.ItemService, ItemID: "svc-lesson", Quantity: Qty(1), CreatedAt: Epoch}))
		for _, c := range []credit.Credit{
			newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours),
			newCredit("cr-2", "oi-2", "cust-5", "svc-rental", Dur(credit.UnitDays, 2), credit.UnitDays),
			newCredit("cr-9", "oi-9", "cust-9", "svc-lesson", Dur(credit.UnitHours, 1), credit.UnitHours),
		} {
			_, err := s.InsertCredit(ctx, c)
			require.NoError(t, err)
		}

		byCustomer, err := s.ListCredits(ctx, credit.CreditFilter{CustomerID: "cust-5"})
		require.NoError(t, err)
		assert.Len(t, byCustomer, 2)

		byService, err := s.ListCredits(ctx, credit.CreditFilter{ServiceID: "svc-lesson"})
		require.NoError(t, err)
		assert.Len(t, byService, 2)

		byOrder, err := s.ListCredits(ctx, credit.CreditFilter{OrderID: "ord-2"})
		require.NoError(t, err)
		require.Len(t, byOrder, 1)
		assert.Equal(t, credit.CreditID("cr-9"), byOrder[0].ID)
	})

	t.Run("attach orphans only touches matching consuming orphans", func(t *testing.T) {
		s := setup(t)
		c := newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours)
		_, err := s.InsertCredit(ctx, c)
		require.NoError(t, err)

		other := credit.CreditID("cr-other")
		_, err = s.InsertCredit(ctx, newCredit(string(other), "oi-2", "cust-5", "svc-lesson", Dur(credit.UnitHours, 5), credit.UnitHours))
		require.NoError(t, err)
		cancelledAt := Epoch
		linked := Appointment("a-linked", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 0)
		linked.CreditID = &other
		cancelled := Appointment("a-cancelled", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 1)
		cancelled.CancelledAt = &cancelledAt
		noShow := Appointment("a-noshow", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 2)
		noShow.Status = credit.ConsumptionNoShow
		completed := Appointment("a-done", "cust-5", "svc-lesson", Dur(credit.UnitHours, 4), 3)
		completed.Status = credit.ConsumptionCompleted

		for _, a := range []credit.Consumption{
			linked, cancelled, noShow, completed,
			Appointment("a-sched", "cust-5", "svc-lesson", Dur(credit.UnitHours, 2), 4),
			Appointment("a-other-cust", "cust-9", "svc-lesson", Dur(credit.UnitHours, 1), 5),
			Appointment("a-other-svc", "cust-5", "svc-rental", Dur(credit.UnitDays, 1), 6),
			Appointment("a-wrong-unit", "cust-5", "svc-lesson", Dur(credit.UnitDays, 1), 7),
		} {
			require.NoError(t, s.SaveAppointment(ctx, a))
		}

		n, err := s.AttachOrphans(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rows, err := s.ConsumptionsForCredit(ctx, "cr-1")
		require.NoError(t, err)
		ids := make([]credit.AppointmentID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		assert.ElementsMatch(t, []credit.AppointmentID{"a-done", "a-sched"}, ids)

		// The row already linked elsewhere is untouched.
		rows, err = s.ConsumptionsForCredit(ctx, other)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, credit.AppointmentID("a-linked"), rows[0].ID)

		// Second run finds nothing.
		n, err = s.AttachOrphans(ctx, c)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("attach consumptions skips linked rows", func(t *testing.T) {
		s := setup(t)
		other := credit.CreditID("cr-other")
		for _, c := range []credit.Credit{
			newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours),
			newCredit(string(other), "oi-2", "cust-5", "svc-lesson", Dur(credit.UnitHours, 5), credit.UnitHours),
		} {
			_, err := s.InsertCredit(ctx, c)
			require.NoError(t, err)
		}
		a := Appointment("a-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 0)
		b := Appointment("a-2", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 1)
		b.CreditID = &other
		require.NoError(t, s.SaveAppointment(ctx, a))
		require.NoError(t, s.SaveAppointment(ctx, b))

		n, err := s.AttachConsumptions(ctx, "cr-1", []credit.AppointmentID{"a-1", "a-2", "a-missing"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rows, err := s.ConsumptionsForCredit(ctx, other)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("list orphans is oldest first and excludes non consuming rows", func(t *testing.T) {
		s := setup(t)
		cancelledAt := Epoch
		late := Appointment("a-late", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 10)
		early := Appointment("a-early", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 1)
		gone := Appointment("a-gone", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 0)
		gone.CancelledAt = &cancelledAt
		moved := Appointment("a-moved", "cust-5", "svc-lesson", Dur(credit.UnitHours, 1), 0)
		moved.Status = credit.ConsumptionRescheduled
		for _, a := range []credit.Consumption{late, early, gone, moved} {
			require.NoError(t, s.SaveAppointment(ctx, a))
		}

		rows, err := s.ListOrphans(ctx, credit.OrphanFilter{CustomerID: "cust-5", ServiceID: "svc-lesson"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, credit.AppointmentID("a-early"), rows[0].ID)
		assert.Equal(t, credit.AppointmentID("a-late"), rows[1].ID)

		all, err := s.ListOrphans(ctx, credit.OrphanFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("consumptions for credit include cancelled rows", func(t *testing.T) {
		s := setup(t)
		cid := credit.CreditID("cr-1")
		_, err := s.InsertCredit(ctx, newCredit(string(cid), "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours))
		require.NoError(t, err)
		cancelledAt := Epoch
		a := Appointment("a-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 100), 0)
		a.CreditID = &cid
		a.CancelledAt = &cancelledAt
		require.NoError(t, s.SaveAppointment(ctx, a))

		rows, err := s.ConsumptionsForCredit(ctx, cid)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.NotNil(t, rows[0].CancelledAt)
		assert.False(t, rows[0].Consumes())
	})

	t.Run("delete credits detaches appointments", func(t *testing.T) {
		s := setup(t)
		c := newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours)
		_, err := s.InsertCredit(ctx, c)
		require.NoError(t, err)
		require.NoError(t, s.SaveAppointment(ctx, Appointment("a-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 2), 0)))
		n, err := s.AttachOrphans(ctx, c)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		removed, err := s.DeleteCreditsByOrderItems(ctx, []credit.OrderItemID{"oi-1", "oi-unknown"})
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		got, err := s.GetCredit(ctx, "cr-1")
		require.NoError(t, err)
		assert.Nil(t, got)

		rows, err := s.ConsumptionsForCredit(ctx, "cr-1")
		require.NoError(t, err)
		assert.Empty(t, rows, "no appointment may keep a dangling credit reference")

		orphans, err := s.ListOrphans(ctx, credit.OrphanFilter{CustomerID: "cust-5"})
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, credit.AppointmentID("a-1"), orphans[0].ID)
	})

	t.Run("set order status updates existing orders only", func(t *testing.T) {
		s := setup(t)
		found, err := s.SetOrderStatus(ctx, "ord-1", credit.OrderCancelled)
		require.NoError(t, err)
		assert.True(t, found)

		o, err := s.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, credit.OrderCancelled, o.Status)
		assert.Equal(t, credit.CustomerID("cust-5"), o.CustomerID)

		found, err = s.SetOrderStatus(ctx, "ord-missing", credit.OrderCancelled)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("status change rolls back with its transaction", func(t *testing.T) {
		s := setup(t)
		err := s.WithTx(ctx, func(tx credit.Store) error {
			if _, err := tx.SetOrderStatus(ctx, "ord-1", credit.OrderCancelled); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		o, err := s.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, credit.OrderOpen, o.Status)
	})

	t.Run("saving an appointment again keeps its credit link", func(t *testing.T) {
		s := setup(t)
		c := newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours)
		_, err := s.InsertCredit(ctx, c)
		require.NoError(t, err)
		a := Appointment("a-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 2), 0)
		require.NoError(t, s.SaveAppointment(ctx, a))
		n, err := s.AttachOrphans(ctx, c)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		// Re-saved without credit_id, with a completed status.
		a.Status = credit.ConsumptionCompleted
		require.NoError(t, s.SaveAppointment(ctx, a))

		rows, err := s.ConsumptionsForCredit(ctx, "cr-1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, credit.ConsumptionCompleted, rows[0].Status)

		orphans, err := s.ListOrphans(ctx, credit.OrphanFilter{CustomerID: "cust-5"})
		require.NoError(t, err)
		assert.Empty(t, orphans)
	})

	t.Run("with tx rolls back on error", func(t *testing.T) {
		s := setup(t)
		c := newCredit("cr-1", "oi-1", "cust-5", "svc-lesson", Dur(credit.UnitHours, 10), credit.UnitHours)
		err := s.WithTx(ctx, func(tx credit.Store) error {
			if _, err := tx.InsertCredit(ctx, c); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		got, err := s.CreditForOrderItem(ctx, "oi-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
