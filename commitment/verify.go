package commitment

import (
	"context"
	"fmt"
	"sort"
)

// ViolationKind names a broken invariant.
type ViolationKind string

const (
	ViolationBalance        ViolationKind = "balance_mismatch"
	ViolationMultipleActive ViolationKind = "multiple_active"
	ViolationActiveIndex    ViolationKind = "active_index_mismatch"
	ViolationChainOrder     ViolationKind = "chain_order"
	ViolationDiscount       ViolationKind = "discount_out_of_range"
	ViolationRemovalRevert  ViolationKind = "removal_not_propagated"
)

// Violation is one invariant failure found by Verify.
type Violation struct {
	Kind         ViolationKind
	CustomerID   CustomerID
	CommitmentID CommitmentID
	Detail       string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s customer=%s commitment=%s: %s", v.Kind, v.CustomerID, v.CommitmentID, v.Detail)
}

// Report is the result of a full store walk.
type Report struct {
	Customers   int
	Commitments int
	Violations  []Violation
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

// Verify walks every customer chain in the store and checks the engine's
// invariants. Each customer's chain and active index are read in one
// ReadTx, so writes committed during the walk never show up as a mismatch.
// progress, if set, is called once per customer checked.
func Verify(ctx context.Context, store TxStore, progress func(done int)) (Report, error) {
	customers, err := store.CustomerIDs(ctx)
	if err != nil {
		return Report{}, persistence("list customers", err)
	}

	var report Report
	for i, customerID := range customers {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var (
			chain   []Commitment
			indexID CommitmentID
			indexed bool
		)
		err := store.ReadTx(ctx, func(tx Store) error {
			var err error
			if chain, err = tx.ListByCustomer(ctx, customerID); err != nil {
				return persistence("list commitments", err)
			}
			if indexID, indexed, err = tx.ActiveCommitmentID(ctx, customerID); err != nil {
				return persistence("active commitment", err)
			}
			return nil
		})
		if err != nil {
			return report, persistence("read chain", err)
		}

		report.Customers++
		report.Commitments += len(chain)
		report.Violations = append(report.Violations, verifyChain(customerID, chain, indexID, indexed)...)
		if progress != nil {
			progress(i + 1)
		}
	}
	return report, nil
}

func verifyChain(customerID CustomerID, chain []Commitment, indexID CommitmentID, indexed bool) []Violation {
	var out []Violation
	add := func(kind ViolationKind, id CommitmentID, format string, args ...any) {
		out = append(out, Violation{Kind: kind, CustomerID: customerID, CommitmentID: id, Detail: fmt.Sprintf(format, args...)})
	}

	byID := make(map[CommitmentID]Commitment, len(chain))
	var active []CommitmentID
	for _, c := range chain {
		byID[c.ID] = c
		if !c.BalanceConsistent() {
			add(ViolationBalance, c.ID, "stored %s, log sums to %s", c.Balance, Balance(c.PurchaseLog))
		}
		if c.DiscountPercent < MinDiscountPercent || c.DiscountPercent > MaxDiscountPercent {
			add(ViolationDiscount, c.ID, "discount %d", c.DiscountPercent)
		}
		if c.Status == StatusActive {
			active = append(active, c.ID)
		}
	}

	if len(active) > 1 {
		sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
		add(ViolationMultipleActive, active[0], "%d active commitments: %v", len(active), active)
	}
	switch {
	case len(active) == 0 && indexed:
		add(ViolationActiveIndex, indexID, "index set but no commitment is active")
	case len(active) == 1 && (!indexed || indexID != active[0]):
		add(ViolationActiveIndex, active[0], "index points at %q", indexID)
	}

	for _, c := range chain {
		if !c.HasPredecessor() {
			continue
		}
		prev, ok := byID[c.PredecessorID]
		if !ok {
			add(ViolationChainOrder, c.ID, "predecessor %s not in chain", c.PredecessorID)
			continue
		}
		if !prev.ValidFrom.Before(c.ValidFrom) {
			add(ViolationChainOrder, c.ID, "predecessor %s is not older", prev.ID)
		}
		if hasCycle(byID, c.ID) {
			add(ViolationChainOrder, c.ID, "predecessor links form a cycle")
		}
		for _, e := range prev.PurchaseLog {
			if !e.Removed {
				continue
			}
			if got, ok := c.Entry(e.ID); ok && !got.Removed {
				add(ViolationRemovalRevert, c.ID, "purchase %s removed in %s but not here", e.ID, prev.ID)
			}
		}
	}
	return out
}

func hasCycle(byID map[CommitmentID]Commitment, start CommitmentID) bool {
	seen := map[CommitmentID]bool{}
	for cur := start; cur != ""; {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		c, ok := byID[cur]
		if !ok {
			return false
		}
		cur = c.PredecessorID
	}
	return false
}
