/*
errors.go - Centralized error types for the commitment engine

PURPOSE:
  All error types in one place so transports can map them to status codes
  and clients can branch on them with errors.Is.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any state is touched
  2. Not found errors - Unknown commitment, purchase or customer
  3. State errors - Operation not allowed in the commitment's current status
  4. Persistence errors - Storage failure; the transaction was rolled back

USAGE:
  if errors.Is(err, commitment.ErrInactiveCommitment) {
      // the commitment was withdrawn or its window lapsed
  }

  var perr *commitment.PersistenceError
  if errors.As(err, &perr) {
      log.Error("store failed", zap.String("op", perr.Op))
  }
*/
package commitment

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidDiscountPercentage is returned when a discount is outside [0, 6].
	ErrInvalidDiscountPercentage = errors.New("invalid discount percentage")

	// ErrInvalidAmount is returned for non-positive purchase amounts and
	// negative target or net amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidCustomer is returned when a customer id is empty.
	ErrInvalidCustomer = errors.New("invalid customer id")

	ErrCommitmentNotFound = errors.New("commitment not found")
	ErrPurchaseNotFound   = errors.New("purchase not found")
	ErrCustomerNotFound   = errors.New("customer not found")

	// ErrInactiveCommitment is returned when adding a purchase to a commitment
	// that is withdrawn or outside its validity window.
	ErrInactiveCommitment = errors.New("commitment is not active")

	// ErrActiveCommitmentRemovalForbidden is returned when a removal targets
	// an active commitment. Purchases are only removed through history.
	ErrActiveCommitmentRemovalForbidden = errors.New("purchase removal from an active commitment is forbidden")

	// ErrDuplicatePurchase is returned when a purchase id already exists in
	// the target commitment's log.
	ErrDuplicatePurchase = errors.New("purchase already recorded")

	// ErrConcurrentModification is returned by stores that detect another
	// writer changed the customer's chain underneath the transaction.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrReadOnly is returned by SaveCommitment on a view opened with
	// TxStore.ReadTx.
	ErrReadOnly = errors.New("read-only transaction")

	// ErrPersistence marks storage-layer failures.
	ErrPersistence = errors.New("persistence error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DiscountError reports the rejected discount.
type DiscountError struct {
	Percent int
}

func (e *DiscountError) Error() string {
	return fmt.Sprintf("invalid discount percentage %d: must be between %d and %d",
		e.Percent, MinDiscountPercent, MaxDiscountPercent)
}

func (e *DiscountError) Unwrap() error { return ErrInvalidDiscountPercentage }

// InactiveError describes why a commitment refused a purchase.
type InactiveError struct {
	CommitmentID CommitmentID
	Status       Status
	ValidTo      time.Time
}

func (e *InactiveError) Error() string {
	if e.Status == StatusWithdrawn {
		return fmt.Sprintf("commitment %s is withdrawn", e.CommitmentID)
	}
	return fmt.Sprintf("commitment %s is outside its validity window (valid to %s)",
		e.CommitmentID, e.ValidTo.Format(time.RFC3339))
}

func (e *InactiveError) Unwrap() error { return ErrInactiveCommitment }

// PersistenceError wraps a storage failure. It matches both ErrPersistence
// and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// persistence wraps err as a PersistenceError unless it is already a domain
// error the store chose to return (not found, concurrent modification).
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *PersistenceError
	if errors.As(err, &perr) || IsNotFound(err) || IsClientError(err) || IsConflict(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDiscountPercentage) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCustomer)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCommitmentNotFound) ||
		errors.Is(err, ErrPurchaseNotFound) ||
		errors.Is(err, ErrCustomerNotFound)
}

// IsConflict returns true if the request was valid but the commitment's
// state does not allow it.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInactiveCommitment) ||
		errors.Is(err, ErrActiveCommitmentRemovalForbidden) ||
		errors.Is(err, ErrDuplicatePurchase) ||
		errors.Is(err, ErrConcurrentModification)
}

// codes maps sentinels to stable wire names. Order matters: a
// PersistenceError wrapping ErrConcurrentModification reports the latter.
var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidDiscountPercentage, "invalid_discount_percentage"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidCustomer, "invalid_customer"},
	{ErrCommitmentNotFound, "commitment_not_found"},
	{ErrPurchaseNotFound, "purchase_not_found"},
	{ErrCustomerNotFound, "customer_not_found"},
	{ErrInactiveCommitment, "inactive_commitment"},
	{ErrActiveCommitmentRemovalForbidden, "active_commitment_removal_forbidden"},
	{ErrDuplicatePurchase, "duplicate_purchase"},
	{ErrConcurrentModification, "concurrent_modification"},
	{ErrPersistence, "persistence_error"},
}

// Code returns the wire name for err, or "internal" for unknown errors.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorForCode is the inverse of Code. It returns nil for unknown codes.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
