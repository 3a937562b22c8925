/*
errors.go - Error types for the credit ledger

ERROR CATEGORIES:
  1. Issuance errors - the order-item cannot be turned into a credit
  2. Lookup errors   - referenced rows do not exist
  3. Data errors     - duration fields inconsistent with the unit

NOT ERRORS:
  A negative balance and "no orphans to attach" are valid states. They are
  reported through Balance.Negative() and a zero count, never as errors.

SEE ALSO:
  - issuance.go: UnresolvedServiceError
  - ledger.go: Strict vs lenient handling of unresolved services
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnresolvedService is returned when the order-item's service, package
	// or parent order cannot be found, so no credit total can be computed.
	ErrUnresolvedService = errors.New("unresolved service")

	// ErrDuplicateIssuance is returned by stores that detect a second credit
	// for the same order-item without an insert-or-ignore path.
	ErrDuplicateIssuance = errors.New("credit already issued for order item")

	// ErrOrderItemExists is returned when an order-item id is inserted twice.
	ErrOrderItemExists = errors.New("order item already exists")

	// ErrOrderCancelled is returned when an item is added to a cancelled order.
	ErrOrderCancelled = errors.New("order is cancelled")

	ErrCreditNotFound    = errors.New("credit not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderItemNotFound = errors.New("order item not found")

	// ErrInvalidDurations is returned when a duration triple does not have
	// exactly one populated field matching its unit.
	ErrInvalidDurations = errors.New("invalid durations")

	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// UnresolvedServiceError explains why an order-item produced no credit.
type UnresolvedServiceError struct {
	OrderItemID OrderItemID
	ItemType    ItemType
	ItemID      string
	Reason      string
}

func (e *UnresolvedServiceError) Error() string {
	return fmt.Sprintf("unresolved service for order item %s (%s %s): %s",
		e.OrderItemID, e.ItemType, e.ItemID, e.Reason)
}

func (e *UnresolvedServiceError) Unwrap() error { return ErrUnresolvedService }

// DurationMismatchError reports a durations triple that breaks the
// exactly-one-matching-unit rule.
type DurationMismatchError struct {
	Unit      Unit
	Populated int
}

func (e *DurationMismatchError) Error() string {
	if e.Populated != 1 {
		return fmt.Sprintf("expected exactly one duration field, got %d (unit %s)", e.Populated, e.Unit)
	}
	return fmt.Sprintf("populated duration field does not match unit %s", e.Unit)
}

func (e *DurationMismatchError) Unwrap() error { return ErrInvalidDurations }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCreditNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrOrderItemNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDurations) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrDuplicateIssuance) ||
		errors.Is(err, ErrOrderItemExists)
}
