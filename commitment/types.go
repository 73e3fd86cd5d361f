/*
Package commitment provides the commitment versioning and balance engine.

PURPOSE:
  A commitment is a customer's promise to spend a target amount in exchange
  for a discount. Commitments are never edited: changing the target or the
  discount creates a new version that withdraws the previous one and carries
  its purchase log forward. The versions of one customer form a chain linked
  by PredecessorID.

KEY CONCEPTS IN THIS FILE (types.go):
  - Commitment: One immutable version in a customer's chain
  - PurchaseEntry: A logged purchase, logically removable, shared identity
    across every version that carries a copy of it
  - Status: Active or Withdrawn (one-way)
  - Typed IDs: CommitmentID, CustomerID, PurchaseID

INVARIANTS:
  1. At most one commitment per customer has Status == Active
  2. Balance == sum of non-removed purchase amounts
  3. DiscountPercent is in [0, 6]
  4. Removed never reverts to false

SEE ALSO:
  - status.go: IsActive (status + validity window)
  - balance.go: Balance derivation
  - ledger.go: Adding and removing purchases
  - engine.go: Creating new versions
*/
package commitment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CommitmentID string
type CustomerID string
type PurchaseID string

// NewCommitmentID returns a random commitment id.
func NewCommitmentID() CommitmentID { return CommitmentID(uuid.NewString()) }

// NewPurchaseID returns a random purchase id.
func NewPurchaseID() PurchaseID { return PurchaseID(uuid.NewString()) }

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
)

func (s Status) Valid() bool { return s == StatusActive || s == StatusWithdrawn }

// Discount bounds, inclusive.
const (
	MinDiscountPercent = 0
	MaxDiscountPercent = 6
)

// =============================================================================
// PURCHASE ENTRY
// =============================================================================

// PurchaseEntry is a purchase applied against a commitment.
// The same ID appears in every later version of the chain that carried it.
type PurchaseEntry struct {
	ID              PurchaseID      `json:"id"`
	Amount          decimal.Decimal `json:"amount"`     // gross amount counted toward the balance
	NetAmount       decimal.Decimal `json:"net_amount"` // informational
	AppliedDiscount int             `json:"applied_discount"`
	Removed         bool            `json:"removed"`
	CreatedAt       time.Time       `json:"created_at"`
}

// =============================================================================
// COMMITMENT
// =============================================================================

// Commitment is one version in a customer's chain.
// TargetAmount and DiscountPercent never change once the version exists.
type Commitment struct {
	ID              CommitmentID    `json:"id"`
	CustomerID      CustomerID      `json:"customer_id"`
	TargetAmount    decimal.Decimal `json:"target_amount"`
	DiscountPercent int             `json:"discount_percent"`
	ValidFrom       time.Time       `json:"valid_from"`
	ValidTo         time.Time       `json:"valid_to"`
	Status          Status          `json:"status"`
	PredecessorID   CommitmentID    `json:"predecessor_id,omitempty"`
	PurchaseLog     []PurchaseEntry `json:"purchase_log"`
	Balance         decimal.Decimal `json:"balance"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// HasPredecessor reports whether this version supersedes another one.
func (c Commitment) HasPredecessor() bool { return c.PredecessorID != "" }

// Entry returns the log entry with the given id.
func (c Commitment) Entry(id PurchaseID) (PurchaseEntry, bool) {
	if i := c.entryIndex(id); i >= 0 {
		return c.PurchaseLog[i], true
	}
	return PurchaseEntry{}, false
}

func (c Commitment) entryIndex(id PurchaseID) int {
	for i := range c.PurchaseLog {
		if c.PurchaseLog[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy. Stores hand out clones so callers never alias
// stored purchase logs.
func (c Commitment) Clone() Commitment {
	out := c
	if c.PurchaseLog != nil {
		out.PurchaseLog = make([]PurchaseEntry, len(c.PurchaseLog))
		copy(out.PurchaseLog, c.PurchaseLog)
	}
	return out
}

// View is a commitment together with its computed activity at read time.
type View struct {
	Commitment
	IsActive bool `json:"is_active"`
}
