/*
Package factory converts JSON catalogue definitions into credit types.

PURPOSE:
  Services and service packages are owned by the catalogue subsystem. The
  engine only needs their unit and per-package durations. This package
  lets operators (and the demo scenarios) describe a catalogue in JSON and
  load it through credit.Writer.

JSON SCHEMA:
  {
    "services": [
      {"id": "svc-lesson", "name": "Private kite lesson", "unit": "hours"}
    ],
    "packages": [
      {"id": "pkg-10h", "name": "10h course", "service_id": "svc-lesson",
       "duration_hours": 10}
    ]
  }

  Durations are decimals (JSON number or string). A package must populate
  exactly one duration field and, when its service is in the same
  document, that field must match the service's unit.

USAGE:
  f := factory.NewCatalogFactory()
  cat, err := f.ParseCatalog(jsonString)
  if err != nil { ... }
  err = cat.Apply(ctx, store)

SEE ALSO:
  - credit/types.go: Service, ServicePackage, Durations
  - api/scenarios.go: Demo catalogues
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kiteflow/credit-engine/credit"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalogue.
type CatalogJSON struct {
	Services []ServiceJSON `json:"services"`
	Packages []PackageJSON `json:"packages,omitempty"`
}

type ServiceJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit"` // hours, days, months, none
}

type PackageJSON struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	ServiceID      string           `json:"service_id"`
	DurationHours  *decimal.Decimal `json:"duration_hours,omitempty"`
	DurationDays   *decimal.Decimal `json:"duration_days,omitempty"`
	DurationMonths *decimal.Decimal `json:"duration_months,omitempty"`
}

// Catalog is a parsed, validated catalogue.
type Catalog struct {
	Services []credit.Service
	Packages []credit.ServicePackage
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogues to credit types.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseCatalog parses a JSON string into a Catalog.
func (f *CatalogFactory) ParseCatalog(jsonStr string) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and converts it.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*Catalog, error) {
	cat := &Catalog{}
	units := make(map[credit.ServiceID]credit.Unit, len(cj.Services))

	for _, sj := range cj.Services {
		if sj.ID == "" {
			return nil, fmt.Errorf("service without id")
		}
		unit, err := credit.ParseUnit(sj.Unit)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", sj.ID, err)
		}
		if _, dup := units[credit.ServiceID(sj.ID)]; dup {
			return nil, fmt.Errorf("service %s defined twice", sj.ID)
		}
		units[credit.ServiceID(sj.ID)] = unit
		cat.Services = append(cat.Services, credit.Service{ID: credit.ServiceID(sj.ID), Name: sj.Name, Unit: unit})
	}

	seen := make(map[string]bool, len(cj.Packages))
	for _, pj := range cj.Packages {
		if pj.ID == "" || pj.ServiceID == "" {
			return nil, fmt.Errorf("package requires id and service_id")
		}
		if seen[pj.ID] {
			return nil, fmt.Errorf("package %s defined twice", pj.ID)
		}
		seen[pj.ID] = true

		p := credit.ServicePackage{
			ID:        credit.PackageID(pj.ID),
			Name:      pj.Name,
			ServiceID: credit.ServiceID(pj.ServiceID),
			Durations: credit.Durations{Hours: pj.DurationHours, Days: pj.DurationDays, Months: pj.DurationMonths},
		}
		if err := validatePackage(p, units); err != nil {
			return nil, fmt.Errorf("package %s: %w", pj.ID, err)
		}
		cat.Packages = append(cat.Packages, p)
	}
	return cat, nil
}

// validatePackage checks the one-populated-field rule. The unit match is
// only checked when the service is part of the same document.
func validatePackage(p credit.ServicePackage, units map[credit.ServiceID]credit.Unit) error {
	var set []credit.Amount
	for _, u := range []credit.Unit{credit.UnitHours, credit.UnitDays, credit.UnitMonths} {
		if d, ok := p.Durations.Get(u); ok {
			set = append(set, d)
		}
	}

	if unit, ok := units[p.ServiceID]; ok {
		if !unit.Accrues() {
			return fmt.Errorf("service %s does not accrue credit", p.ServiceID)
		}
		if err := p.Durations.Validate(unit); err != nil {
			return err
		}
	} else if len(set) != 1 {
		return &credit.DurationMismatchError{Populated: len(set)}
	}

	if !set[0].IsPositive() {
		return fmt.Errorf("%s duration must be positive: %w", set[0].Unit, credit.ErrInvalidDurations)
	}
	return nil
}

// ToJSON converts a Catalog back to its JSON form.
func (f *CatalogFactory) ToJSON(cat *Catalog) CatalogJSON {
	cj := CatalogJSON{}
	for _, s := range cat.Services {
		cj.Services = append(cj.Services, ServiceJSON{ID: string(s.ID), Name: s.Name, Unit: string(s.Unit)})
	}
	for _, p := range cat.Packages {
		cj.Packages = append(cj.Packages, PackageJSON{
			ID:             string(p.ID),
			Name:           p.Name,
			ServiceID:      string(p.ServiceID),
			DurationHours:  p.Durations.Hours,
			DurationDays:   p.Durations.Days,
			DurationMonths: p.Durations.Months,
		})
	}
	return cj
}

// Apply writes every service, then every package, through w.
func (c *Catalog) Apply(ctx context.Context, w credit.Writer) error {
	for _, s := range c.Services {
		if err := w.SaveService(ctx, s); err != nil {
			return fmt.Errorf("save service %s: %w", s.ID, err)
		}
	}
	for _, p := range c.Packages {
		if err := w.SaveServicePackage(ctx, p); err != nil {
			return fmt.Errorf("save package %s: %w", p.ID, err)
		}
	}
	return nil
}
