package credit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiteflow/credit-engine/credit"
	"github.com/kiteflow/credit-engine/credit/credittest"
	"github.com/kiteflow/credit-engine/credit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type recorder struct {
	mu       sync.Mutex
	issued   int
	skipped  map[credit.IssueStatus]int
	attached int
	deleted  int
	negative int
}

func (r *recorder) CreditIssued(credit.Unit) { r.mu.Lock(); r.issued++; r.mu.Unlock() }
func (r *recorder) IssuanceSkipped(s credit.IssueStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skipped == nil {
		r.skipped = make(map[credit.IssueStatus]int)
	}
	r.skipped[s]++
}
func (r *recorder) OrphansAttached(n int)          { r.mu.Lock(); r.attached += n; r.mu.Unlock() }
func (r *recorder) CreditsDeleted(n int)           { r.mu.Lock(); r.deleted += n; r.mu.Unlock() }
func (r *recorder) NegativeBalance(credit.Balance) { r.mu.Lock(); r.negative++; r.mu.Unlock() }

func newTestLedger(t *testing.T) (*credit.Ledger, *store.Memory, *recorder) {
	t.Helper()
	mem := store.NewMemory()
	credittest.SeedCatalog(t, mem)
	credittest.SeedOrder(t, mem, "ord-1", "cust-5")

	var (
		mu  sync.Mutex
		seq int
	)
	rec := &recorder{}
	l := credit.NewLedger(mem, nil)
	l.Metrics = rec
	l.NewID = func() credit.CreditID {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return credit.CreditID(fmt.Sprintf("cr-%03d", seq))
	}
	l.Now = func() time.Time { return credittest.Epoch }
	return l, mem, rec
}

func packageItem(id, pkg string, qty int64) credit.OrderItem {
	return credit.OrderItem{ID: credit.OrderItemID(id), OrderID: "ord-1", ItemType: credit.ItemServicePackage, ItemID: pkg, Quantity: decimal.NewFromInt(qty)}
}

func serviceItem(id, svc string, qty int64) credit.OrderItem {
	return credit.OrderItem{ID: credit.OrderItemID(id), OrderID: "ord-1", ItemType: credit.ItemService, ItemID: svc, Quantity: decimal.NewFromInt(qty)}
}

func hours(v float64) credit.Durations { return credittest.Dur(credit.UnitHours, v) }

func assertAmount(t *testing.T, want float64, got credit.Amount) {
	t.Helper()
	assert.True(t, decimal.NewFromFloat(want).Equal(got.Value), "want %v, got %s", want, got)
}

// =============================================================================
// ISSUANCE
// =============================================================================

func TestLedger_PackagePurchase_IssuesScaledCredit(t *testing.T) {
	// GIVEN: a 10h lesson package
	// WHEN: the customer buys 2 of them
	// THEN: one active hours credit of 20 is issued for the lesson service

	l, mem, rec := newTestLedger(t)
	ctx := context.Background()

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 2))
	require.NoError(t, err)
	require.Equal(t, credit.IssueIssued, out.Status)
	require.NotNil(t, out.Credit)

	c := out.Credit
	assert.Equal(t, credit.CustomerID("cust-5"), c.CustomerID)
	assert.Equal(t, credit.ServiceID("svc-lesson"), c.ServiceID)
	assert.Equal(t, credit.CreditActive, c.Status)
	require.NotNil(t, c.ServicePackageID)
	assert.Equal(t, credit.PackageID("pkg-10h"), *c.ServicePackageID)
	require.NotNil(t, c.Totals.Hours)
	assert.Nil(t, c.Totals.Days)
	assert.Nil(t, c.Totals.Months)
	assertAmount(t, 20, c.Total())

	stored, err := mem.CreditForOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, c.ID, stored.ID)
	assert.Equal(t, 1, rec.issued)
}

func TestLedger_QuantityScaling(t *testing.T) {
	cases := []struct {
		name  string
		item  credit.OrderItem
		unit  credit.Unit
		total float64
	}{
		{"package hours", packageItem("oi-1", "pkg-10h", 3), credit.UnitHours, 30},
		{"package days", packageItem("oi-2", "pkg-week", 2), credit.UnitDays, 14},
		{"package months", packageItem("oi-3", "pkg-season", 1), credit.UnitMonths, 3},
		{"direct service hours", serviceItem("oi-4", "svc-lesson", 4), credit.UnitHours, 4},
		{"direct service days", serviceItem("oi-5", "svc-rental", 1), credit.UnitDays, 1},
	}

	l, _, _ := newTestLedger(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := l.AddOrderItem(context.Background(), tc.item)
			require.NoError(t, err)
			require.Equal(t, credit.IssueIssued, out.Status)
			assert.Equal(t, tc.unit, out.Credit.Unit)
			assert.NoError(t, out.Credit.Totals.Validate(tc.unit))
			assertAmount(t, tc.total, out.Credit.Total())
		})
	}
}

func TestLedger_RepeatedIssuance_IsIdempotent(t *testing.T) {
	// GIVEN: an order-item whose credit was issued
	// WHEN: issuance fires again for the same item
	// THEN: the existing credit is returned and no second row appears

	l, mem, rec := newTestLedger(t)
	ctx := context.Background()

	item := packageItem("oi-1", "pkg-10h", 2)
	first, err := l.AddOrderItem(ctx, item)
	require.NoError(t, err)

	second, err := l.IssueCredit(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, credit.IssueAlreadyIssued, second.Status)
	require.NotNil(t, second.Credit)
	assert.Equal(t, first.Credit.ID, second.Credit.ID)

	third, err := l.IssueForOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, credit.IssueAlreadyIssued, third.Status)

	all, err := mem.ListCredits(ctx, credit.CreditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 2, rec.skipped[credit.IssueAlreadyIssued])
}

func TestLedger_ConcurrentIssuance_KeepsOneCredit(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()

	item := packageItem("oi-1", "pkg-10h", 1)
	require.NoError(t, mem.InsertOrderItem(ctx, item))

	var wg sync.WaitGroup
	statuses := make([]credit.IssueStatus, 10)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := l.IssueCredit(ctx, item)
			assert.NoError(t, err)
			statuses[i] = out.Status
		}(i)
	}
	wg.Wait()

	issued := 0
	for _, s := range statuses {
		if s == credit.IssueIssued {
			issued++
		}
	}
	assert.Equal(t, 1, issued)

	all, err := mem.ListCredits(ctx, credit.CreditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedger_NonAccruingItems_AreNotApplicable(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()

	out, err := l.AddOrderItem(ctx, serviceItem("oi-shop", "svc-shop", 1))
	require.NoError(t, err)
	assert.Equal(t, credit.IssueNotApplicable, out.Status)

	out, err = l.AddOrderItem(ctx, credit.OrderItem{ID: "oi-wax", OrderID: "ord-1", ItemType: credit.ItemProduct, ItemID: "wax", Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, credit.IssueNotApplicable, out.Status)

	all, err := mem.ListCredits(ctx, credit.CreditFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	// The order-items themselves are stored.
	items, err := mem.OrderItemsForOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestLedger_UnresolvedService_LenientSkips(t *testing.T) {
	l, mem, rec := newTestLedger(t)
	ctx := context.Background()

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-missing", 1))
	require.NoError(t, err)
	assert.Equal(t, credit.IssueUnresolved, out.Status)
	assert.Contains(t, out.Reason, "package not found")
	assert.Nil(t, out.Credit)

	item, err := mem.GetOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	assert.NotNil(t, item, "lenient policy keeps the order-item")
	assert.Equal(t, 1, rec.skipped[credit.IssueUnresolved])
}

func TestLedger_UnresolvedService_StrictRollsBack(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	l.Policy.Strict = true
	ctx := context.Background()

	_, err := l.AddOrderItem(ctx, serviceItem("oi-1", "svc-missing", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, credit.ErrUnresolvedService)
	var unresolved *credit.UnresolvedServiceError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, credit.OrderItemID("oi-1"), unresolved.OrderItemID)

	item, err := mem.GetOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	assert.Nil(t, item, "strict policy rejects the order-item")
}

func TestLedger_PackageWithoutMatchingDuration_IsUnresolved(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveServicePackage(ctx, credit.ServicePackage{
		ID: "pkg-bad", ServiceID: "svc-lesson", Durations: credittest.Dur(credit.UnitDays, 2),
	}))

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-bad", 1))
	require.NoError(t, err)
	assert.Equal(t, credit.IssueUnresolved, out.Status)
}

func TestLedger_MissingOrder_IsUnresolved(t *testing.T) {
	l, _, _ := newTestLedger(t)
	item := serviceItem("oi-1", "svc-lesson", 1)
	item.OrderID = "ord-missing"

	out, err := l.AddOrderItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, credit.IssueUnresolved, out.Status)
}

func TestLedger_InvalidQuantity_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.AddOrderItem(context.Background(), serviceItem("oi-1", "svc-lesson", 0))
	assert.ErrorIs(t, err, credit.ErrInvalidQuantity)
}

func TestLedger_DuplicateOrderItem_Rejected(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.AddOrderItem(ctx, serviceItem("oi-1", "svc-lesson", 1))
	require.NoError(t, err)

	_, err = l.AddOrderItem(ctx, serviceItem("oi-1", "svc-lesson", 1))
	assert.ErrorIs(t, err, credit.ErrOrderItemExists)

	all, err := mem.ListCredits(ctx, credit.CreditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// ORPHAN RECONCILIATION
// =============================================================================

func TestLedger_Issuance_AttachesOrphans(t *testing.T) {
	// GIVEN: a completed 4h lesson with no credit
	// WHEN: a 10h credit is issued for the same customer and service
	// THEN: the lesson is linked to it and 6h remain

	l, mem, rec := newTestLedger(t)
	ctx := context.Background()

	orphan := credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(4), 0)
	orphan.Status = credit.ConsumptionCompleted
	require.NoError(t, mem.SaveAppointment(ctx, orphan))

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attached)
	assert.Equal(t, 1, rec.attached)

	rows, err := mem.ConsumptionsForCredit(ctx, out.Credit.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, credit.AppointmentID("a-1"), rows[0].ID)

	b, err := l.ComputeBalance(ctx, out.Credit.ID)
	require.NoError(t, err)
	assertAmount(t, 10, b.Total)
	assertAmount(t, 4, b.Used)
	assertAmount(t, 6, b.Available)
}

func TestLedger_NoOrphans_IsSilent(t *testing.T) {
	l, _, rec := newTestLedger(t)
	out, err := l.AddOrderItem(context.Background(), packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	assert.Zero(t, out.Attached)
	assert.Zero(t, rec.attached)
}

func TestLedger_AttachAll_AllowsNegativeBalance(t *testing.T) {
	// GIVEN: 12h of orphaned lessons
	// WHEN: a 10h credit is issued (attach_all)
	// THEN: all lessons are linked and the balance reads -2, not 0

	l, mem, rec := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(8), 0)))
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-2", "cust-5", "svc-lesson", hours(4), 1)))

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attached)

	b, err := l.ComputeBalance(ctx, out.Credit.ID)
	require.NoError(t, err)
	assertAmount(t, -2, b.Available)
	assert.True(t, b.Negative())
	assert.Equal(t, 1, rec.negative)
}

func TestLedger_WithinBalance_StopsAtFirstUncovered(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	l.Policy.ReconcileMode = credit.ReconcileWithinBalance
	ctx := context.Background()
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(6), 0)))
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-2", "cust-5", "svc-lesson", hours(5), 1)))
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-3", "cust-5", "svc-lesson", hours(1), 2)))

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attached, "a-2 does not fit, so a-3 waits behind it")

	b, err := l.ComputeBalance(ctx, out.Credit.ID)
	require.NoError(t, err)
	assertAmount(t, 4, b.Available)

	orphans, err := l.Orphans(ctx, credit.OrphanFilter{CustomerID: "cust-5"})
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
}

func TestLedger_ReconcileOrphans_LaterAppointments(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)

	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(2), 0)))
	n, err := l.ReconcileOrphans(ctx, out.Credit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.ReconcileOrphans(ctx, "cr-missing")
	assert.ErrorIs(t, err, credit.ErrCreditNotFound)
}

func TestLedger_OrphanAttach_IsMonotonic(t *testing.T) {
	// GIVEN: an appointment attached to the first credit
	// WHEN: a second credit for the same customer and service is issued
	// THEN: the appointment stays on the first credit

	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(2), 0)))

	first, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	second, err := l.AddOrderItem(ctx, packageItem("oi-2", "pkg-10h", 1))
	require.NoError(t, err)
	assert.Zero(t, second.Attached)

	_, err = l.ReconcileOrphans(ctx, second.Credit.ID)
	require.NoError(t, err)

	rows, err := mem.ConsumptionsForCredit(ctx, first.Credit.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, credit.AppointmentID("a-1"), rows[0].ID)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestLedger_Balance_ExcludesCancelledConsumption(t *testing.T) {
	// GIVEN: a 10h credit with a 100h appointment that was cancelled
	// THEN: used excludes it and available stays 10

	l, mem, _ := newTestLedger(t)
	ctx := context.Background()

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)

	cid := out.Credit.ID
	cancelledAt := credittest.Epoch
	big := credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(100), 0)
	big.Status = credit.ConsumptionCompleted
	big.CreditID = &cid
	big.CancelledAt = &cancelledAt
	require.NoError(t, mem.SaveAppointment(ctx, big))

	b, err := l.ComputeBalance(ctx, cid)
	require.NoError(t, err)
	assertAmount(t, 0, b.Used)
	assertAmount(t, 10, b.Available)
	assert.Zero(t, b.Consumptions)
}

func TestLedger_Balance_IdentityAcrossCredits(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()

	lesson, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	storage, err := l.AddOrderItem(ctx, packageItem("oi-2", "pkg-season", 1))
	require.NoError(t, err)

	lessonID, storageID := lesson.Credit.ID, storage.Credit.ID
	noShow := credittest.Appointment("a-3", "cust-5", "svc-lesson", hours(3), 2)
	noShow.Status = credit.ConsumptionNoShow
	noShow.CreditID = &lessonID
	for _, a := range []credit.Consumption{
		withCredit(credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(1.5), 0), lessonID),
		withCredit(credittest.Appointment("a-2", "cust-5", "svc-lesson", hours(2), 1), lessonID),
		noShow,
		withCredit(credittest.Appointment("a-4", "cust-5", "svc-season", credittest.Dur(credit.UnitMonths, 0.5), 3), storageID),
	} {
		require.NoError(t, mem.SaveAppointment(ctx, a))
	}

	balances, err := l.CustomerBalances(ctx, "cust-5")
	require.NoError(t, err)
	require.Len(t, balances, 2)

	for _, b := range balances {
		rows, err := mem.ConsumptionsForCredit(ctx, b.CreditID)
		require.NoError(t, err)
		used := decimal.Zero
		for _, r := range rows {
			if !r.Consumes() {
				continue
			}
			d, ok := r.Durations.Get(b.Unit)
			require.True(t, ok)
			used = used.Add(d.Value)
		}
		assert.True(t, b.Used.Value.Equal(used))
		assert.True(t, b.Available.Value.Equal(b.Total.Value.Sub(used)))
	}

	byID := map[credit.CreditID]credit.Balance{}
	for _, b := range balances {
		byID[b.CreditID] = b
	}
	assertAmount(t, 6.5, byID[lessonID].Available)
	assertAmount(t, 2.5, byID[storageID].Available)
	assert.Equal(t, credit.UnitMonths, byID[storageID].Unit)
}

func TestLedger_ComputeBalance_UnknownCredit(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.ComputeBalance(context.Background(), "cr-missing")
	assert.ErrorIs(t, err, credit.ErrCreditNotFound)
	assert.True(t, credit.IsNotFound(err))
}

func withCredit(a credit.Consumption, id credit.CreditID) credit.Consumption {
	a.CreditID = &id
	return a
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestLedger_CancelOrder_RemovesCreditsAndDetaches(t *testing.T) {
	// GIVEN: an order whose lesson credit carries an appointment
	// WHEN: the order is cancelled
	// THEN: the credit is gone and the appointment is an orphan again

	l, mem, rec := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(2), 0)))

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	require.Equal(t, 1, out.Attached)
	_, err = l.AddOrderItem(ctx, serviceItem("oi-2", "svc-rental", 3))
	require.NoError(t, err)

	n, err := l.CancelOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, rec.deleted)

	got, err := mem.GetCredit(ctx, out.Credit.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	orphans, err := l.Orphans(ctx, credit.OrphanFilter{CustomerID: "cust-5"})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Nil(t, orphans[0].CreditID)

	_, err = l.CancelOrder(ctx, "ord-missing")
	assert.ErrorIs(t, err, credit.ErrOrderNotFound)
}

func TestLedger_CancelledOrder_StaysWithoutCredits(t *testing.T) {
	// GIVEN: a cancelled order whose lesson credit had an appointment
	// WHEN: issuance is re-run for its item and a new item is added
	// THEN: no credit comes back and the new item is refused

	l, mem, rec := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(2), 0)))
	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	require.Equal(t, 1, out.Attached)

	_, err = l.CancelOrder(ctx, "ord-1")
	require.NoError(t, err)

	order, err := mem.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, credit.OrderCancelled, order.Status)

	again, err := l.IssueForOrderItem(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, credit.IssueNotApplicable, again.Status)
	assert.Nil(t, again.Credit)
	assert.Equal(t, 1, rec.skipped[credit.IssueNotApplicable])

	credits, err := mem.ListCredits(ctx, credit.CreditFilter{CustomerID: "cust-5"})
	require.NoError(t, err)
	assert.Empty(t, credits)

	orphans, err := l.Orphans(ctx, credit.OrphanFilter{CustomerID: "cust-5"})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, credit.AppointmentID("a-1"), orphans[0].ID)

	_, err = l.AddOrderItem(ctx, serviceItem("oi-2", "svc-lesson", 1))
	assert.ErrorIs(t, err, credit.ErrOrderCancelled)
	item, err := mem.GetOrderItem(ctx, "oi-2")
	require.NoError(t, err)
	assert.Nil(t, item)

	// Cancelling again changes nothing.
	n, err := l.CancelOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedger_CreditStatusStaysActive(t *testing.T) {
	// GIVEN: a 10h credit that orphans over-consume
	// WHEN: its balance is read
	// THEN: the balance reports exhaustion; the stored status is unchanged

	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-1", "cust-5", "svc-lesson", hours(8), 0)))
	require.NoError(t, mem.SaveAppointment(ctx, credittest.Appointment("a-2", "cust-5", "svc-lesson", hours(4), 1)))

	out, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	require.Equal(t, 2, out.Attached)

	b, err := l.ComputeBalance(ctx, out.Credit.ID)
	require.NoError(t, err)
	assert.True(t, b.Exhausted())
	assert.True(t, b.Negative())

	stored, err := mem.GetCredit(ctx, out.Credit.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, credit.CreditActive, stored.Status)
}

func TestLedger_DeleteCreditsForOrderItems(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.AddOrderItem(ctx, packageItem("oi-1", "pkg-10h", 1))
	require.NoError(t, err)
	_, err = l.AddOrderItem(ctx, packageItem("oi-2", "pkg-10h", 1))
	require.NoError(t, err)

	n, err := l.DeleteCreditsForOrderItems(ctx, []credit.OrderItemID{"oi-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := mem.ListCredits(ctx, credit.CreditFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, credit.OrderItemID("oi-1"), left[0].OrderItemID)

	n, err = l.DeleteCreditsForOrderItems(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
