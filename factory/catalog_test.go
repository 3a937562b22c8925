package factory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiteflow/credit-engine/credit"
	"github.com/kiteflow/credit-engine/credit/store"
)

const kiteSchool = `{
  "services": [
    {"id": "svc-lesson", "name": "Private lesson", "unit": "hours"},
    {"id": "svc-storage", "name": "Board storage", "unit": "months"},
    {"id": "svc-wax", "name": "Wax", "unit": "none"}
  ],
  "packages": [
    {"id": "pkg-10h", "name": "10h course", "service_id": "svc-lesson", "duration_hours": 10},
    {"id": "pkg-half", "name": "Half season", "service_id": "svc-storage", "duration_months": "1.5"}
  ]
}`

func TestParseCatalog(t *testing.T) {
	cat, err := NewCatalogFactory().ParseCatalog(kiteSchool)
	require.NoError(t, err)

	require.Len(t, cat.Services, 3)
	assert.Equal(t, credit.UnitMonths, cat.Services[1].Unit)
	assert.Equal(t, credit.UnitNone, cat.Services[2].Unit)

	require.Len(t, cat.Packages, 2)
	m, ok := cat.Packages[1].Durations.Get(credit.UnitMonths)
	require.True(t, ok)
	assert.True(t, m.Value.Equal(decimal.RequireFromString("1.5")))
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"bad json", `{`},
		{"unknown unit", `{"services":[{"id":"s","unit":"weeks"}]}`},
		{"duplicate service", `{"services":[{"id":"s","unit":"hours"},{"id":"s","unit":"days"}]}`},
		{"unit mismatch", `{"services":[{"id":"s","unit":"hours"}],"packages":[{"id":"p","service_id":"s","duration_days":2}]}`},
		{"two durations", `{"packages":[{"id":"p","service_id":"ext","duration_days":2,"duration_hours":3}]}`},
		{"no duration", `{"packages":[{"id":"p","service_id":"ext"}]}`},
		{"zero duration", `{"services":[{"id":"s","unit":"hours"}],"packages":[{"id":"p","service_id":"s","duration_hours":0}]}`},
		{"package for none unit", `{"services":[{"id":"s","unit":"none"}],"packages":[{"id":"p","service_id":"s","duration_hours":1}]}`},
		{"package without service", `{"packages":[{"id":"p","duration_hours":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalogFactory().ParseCatalog(tt.json)
			assert.Error(t, err)
		})
	}
}

func TestParseCatalog_DurationErrorsAreTyped(t *testing.T) {
	_, err := NewCatalogFactory().ParseCatalog(`{"services":[{"id":"s","unit":"hours"}],"packages":[{"id":"p","service_id":"s","duration_days":2}]}`)
	assert.ErrorIs(t, err, credit.ErrInvalidDurations)
}

func TestCatalog_ApplyAndRoundTrip(t *testing.T) {
	f := NewCatalogFactory()
	cat, err := f.ParseCatalog(kiteSchool)
	require.NoError(t, err)

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, cat.Apply(ctx, mem))

	p, err := mem.GetServicePackage(ctx, "pkg-10h")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, credit.ServiceID("svc-lesson"), p.ServiceID)

	out, err := json.Marshal(f.ToJSON(cat))
	require.NoError(t, err)
	again, err := f.ParseCatalog(string(out))
	require.NoError(t, err)
	assert.Equal(t, len(cat.Packages), len(again.Packages))
	assert.Equal(t, cat.Services, again.Services)
}
