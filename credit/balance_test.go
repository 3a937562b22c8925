package credit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func months(v float64) Durations { return DurationsOf(NewAmount(v, UnitMonths)) }

func linked(id AppointmentID, to CreditID, d Durations, status ConsumptionStatus) Consumption {
	return Consumption{ID: id, CustomerID: "c1", ServiceID: "s1", CreditID: &to, Durations: d, Status: status}
}

func TestComputeBalance(t *testing.T) {
	c := Credit{ID: "cr-1", CustomerID: "c1", ServiceID: "s1", Unit: UnitMonths, Totals: months(3), Status: CreditActive}
	cancelledAt := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	cancelled := linked("a-cancel", "cr-1", months(10), ConsumptionCompleted)
	cancelled.CancelledAt = &cancelledAt
	orphan := linked("a-orphan", "cr-1", months(1), ConsumptionScheduled)
	orphan.CreditID = nil

	tests := []struct {
		name      string
		rows      []Consumption
		used      string
		available string
		count     int
	}{
		{"no consumption", nil, "0", "3", 0},
		{"fractional months", []Consumption{
			linked("a-1", "cr-1", months(0.5), ConsumptionScheduled),
			linked("a-2", "cr-1", months(1.25), ConsumptionCompleted),
		}, "1.75", "1.25", 2},
		{"non-consuming statuses ignored", []Consumption{
			linked("a-1", "cr-1", months(1), ConsumptionCancelled),
			linked("a-2", "cr-1", months(1), ConsumptionNoShow),
			linked("a-3", "cr-1", months(1), ConsumptionRescheduled),
		}, "0", "3", 0},
		{"cancelled_at wins over status", []Consumption{cancelled}, "0", "3", 0},
		{"other credits and orphans ignored", []Consumption{
			linked("a-1", "cr-2", months(2), ConsumptionScheduled),
			orphan,
		}, "0", "3", 0},
		{"wrong unit ignored", []Consumption{
			linked("a-1", "cr-1", DurationsOf(NewAmount(5, UnitHours)), ConsumptionScheduled),
		}, "0", "3", 0},
		{"over-consumption not clamped", []Consumption{
			linked("a-1", "cr-1", months(2), ConsumptionCompleted),
			linked("a-2", "cr-1", months(2), ConsumptionScheduled),
		}, "4", "-1", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ComputeBalance(c, tt.rows)
			assert.True(t, decimal.RequireFromString(tt.used).Equal(b.Used.Value), "used %s", b.Used)
			assert.True(t, decimal.RequireFromString(tt.available).Equal(b.Available.Value), "available %s", b.Available)
			assert.Equal(t, tt.count, b.Consumptions)
			assert.Equal(t, UnitMonths, b.Available.Unit)
		})
	}
}

func TestBalance_Flags(t *testing.T) {
	c := Credit{ID: "cr-1", Unit: UnitHours, Totals: DurationsOf(NewAmount(2, UnitHours))}

	b := ComputeBalance(c, nil)
	assert.False(t, b.Negative())
	assert.False(t, b.Exhausted())

	b = ComputeBalance(c, []Consumption{linked("a-1", "cr-1", DurationsOf(NewAmount(2, UnitHours)), ConsumptionCompleted)})
	assert.False(t, b.Negative())
	assert.True(t, b.Exhausted())

	b = ComputeBalance(c, []Consumption{linked("a-1", "cr-1", DurationsOf(NewAmount(3, UnitHours)), ConsumptionCompleted)})
	require.True(t, b.Negative())
	assert.Equal(t, "-1 hours", b.Available.String())
}
