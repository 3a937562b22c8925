/*
balance.go - Balance query

FORMULA:
  used      = Σ duration_<unit> of appointments linked to the credit that are
              scheduled or completed and have no cancelled_at
  available = total − used

  Hours credits sum duration_hours, days credits sum duration_days, months
  credits sum duration_months (decimal, so fractional months work).

NEVER STORED:
  A Balance is recomputed from current rows on every call. There is no
  cache and no balance column.

NEGATIVE BALANCES:
  Orphan reconciliation may attach more than the credit holds. Available is
  then negative and is reported as-is; clamping to zero would hide the
  condition operators need to see.
*/
package credit

// Balance is the derived Total / Used / Available view of one credit.
type Balance struct {
	CreditID   CreditID
	CustomerID CustomerID
	ServiceID  ServiceID
	Unit       Unit
	Total      Amount
	Used       Amount
	Available  Amount

	// Appointments counted in Used.
	Consumptions int
}

// Negative reports an over-consumed credit.
func (b Balance) Negative() bool { return b.Available.IsNegative() }

// Exhausted reports a credit with nothing left to schedule against.
func (b Balance) Exhausted() bool { return !b.Available.IsPositive() }

// ComputeBalance derives the balance of c from rows. Rows that reference
// another credit, do not consume, or lack a duration in c's unit are
// ignored.
func ComputeBalance(c Credit, rows []Consumption) Balance {
	b := Balance{
		CreditID:   c.ID,
		CustomerID: c.CustomerID,
		ServiceID:  c.ServiceID,
		Unit:       c.Unit,
		Total:      c.Total(),
		Used:       NewAmountFromInt(0, c.Unit),
	}

	for _, r := range rows {
		if r.CreditID == nil || *r.CreditID != c.ID || !r.Consumes() {
			continue
		}
		d, ok := r.Durations.Get(c.Unit)
		if !ok {
			continue
		}
		b.Used = b.Used.Add(d)
		b.Consumptions++
	}

	b.Available = b.Total.Sub(b.Used)
	return b
}
