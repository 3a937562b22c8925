/*
issuance.go - Order-item -> credit rule

RULE:
  An order-item of type service or service_package becomes one credit in the
  service's unit:

    package purchase: total = package.duration_<unit> × quantity
    service purchase: total = 1 × quantity

  Services whose unit is "none" do not accrue. Neither do product or rental
  items, nor items of a cancelled order, so re-running issuance after a
  cancellation cannot bring a deleted credit back. Only the total field
  matching the unit is populated.

RESOLUTION:
  service item  -> service
  package item  -> package -> service
  customer      -> parent order

  If any of these rows is missing, or the package carries no duration for
  the service's unit, the item is unresolved. What happens next (skip or
  fail) is the Ledger's policy, not this file's.

DUPLICATE GUARD:
  The ledger checks CreditForOrderItem before planning and the store's
  insert-or-ignore covers the race between check and insert.
*/
package credit

import (
	"context"
	"fmt"
)

type IssueStatus string

const (
	IssueIssued        IssueStatus = "issued"
	IssueAlreadyIssued IssueStatus = "already_issued"
	IssueNotApplicable IssueStatus = "not_applicable"
	IssueUnresolved    IssueStatus = "unresolved"
)

// planCredit resolves item into an unsaved credit (no ID, no CreatedAt).
// Returns (nil, nil) when the item does not accrue credit.
func planCredit(ctx context.Context, s Store, item OrderItem) (*Credit, error) {
	if !item.ItemType.AccruesCredit() {
		return nil, nil
	}
	if !item.Quantity.IsPositive() {
		return nil, fmt.Errorf("order item %s: %w", item.ID, ErrInvalidQuantity)
	}

	unresolved := func(reason string) error {
		return &UnresolvedServiceError{
			OrderItemID: item.ID,
			ItemType:    item.ItemType,
			ItemID:      item.ItemID,
			Reason:      reason,
		}
	}

	var (
		svc       *Service
		pkg       *ServicePackage
		packageID *PackageID
		err       error
	)
	switch item.ItemType {
	case ItemService:
		svc, err = s.GetService(ctx, ServiceID(item.ItemID))
		if err != nil {
			return nil, err
		}
		if svc == nil {
			return nil, unresolved("service not found")
		}
	case ItemServicePackage:
		pkg, err = s.GetServicePackage(ctx, PackageID(item.ItemID))
		if err != nil {
			return nil, err
		}
		if pkg == nil {
			return nil, unresolved("service package not found")
		}
		svc, err = s.GetService(ctx, pkg.ServiceID)
		if err != nil {
			return nil, err
		}
		if svc == nil {
			return nil, unresolved(fmt.Sprintf("package service %s not found", pkg.ServiceID))
		}
		id := pkg.ID
		packageID = &id
	}

	if !svc.Unit.Accrues() {
		return nil, nil
	}

	perUnit := NewAmountFromInt(1, svc.Unit)
	if pkg != nil {
		d, ok := pkg.Durations.Get(svc.Unit)
		if !ok {
			return nil, unresolved(fmt.Sprintf("package has no %s duration", svc.Unit))
		}
		perUnit = d
	}

	order, err := s.GetOrder(ctx, item.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, unresolved(fmt.Sprintf("order %s not found", item.OrderID))
	}
	if order.Status == OrderCancelled {
		return nil, nil
	}

	return &Credit{
		CustomerID:       order.CustomerID,
		OrderItemID:      item.ID,
		ServiceID:        svc.ID,
		ServicePackageID: packageID,
		Unit:             svc.Unit,
		Totals:           DurationsOf(perUnit.Mul(item.Quantity)),
		Status:           CreditActive,
	}, nil
}
