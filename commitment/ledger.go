/*
ledger.go - Purchase log mutations

PURPOSE:
  Adds purchases to the active version of a customer's chain and logically
  removes purchases through withdrawn versions.

RULES:
  1. Add only to a commitment that IsActive right now.
  2. Remove only through a Withdrawn commitment. Active commitments reject
     removal: purchases are corrected retroactively, from history.
  3. Removal cascades forward: the entry is flagged in the originating
     version and in every successor that carries the same purchase id.
     Successors without the entry are skipped. Predecessors are never touched.
  4. Entries are never deleted. Removed flips false -> true once.

ATOMICITY:
  Each operation holds the customer's lock and runs in one store
  transaction, so a partially applied cascade is never visible.

EXAMPLE:
  v1 (withdrawn) [p1, p2]  ->  v2 (withdrawn) [p1, p2, p3]  ->  v3 (active) [p1, p2, p3]

  RemovePurchase(p2, v2): v2 and v3 flag p2; v1 keeps p2.
  RemovePurchase(p3, v1): ErrPurchaseNotFound (v1 never carried p3).
  RemovePurchase(p1, v3): ErrActiveCommitmentRemovalForbidden.
*/
package commitment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PurchaseInput describes a purchase to record.
type PurchaseInput struct {
	// ID is optional. Callers that already identify purchases (an order
	// system, a retrying client) pass it to make duplicates detectable.
	ID        PurchaseID
	Amount    decimal.Decimal
	NetAmount decimal.Decimal

	// AppliedDiscount defaults to the commitment's discount when nil.
	AppliedDiscount *int
}

func (in PurchaseInput) validate() error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: purchase amount must be positive, got %s", ErrInvalidAmount, in.Amount)
	}
	if in.NetAmount.IsNegative() {
		return fmt.Errorf("%w: net amount must not be negative, got %s", ErrInvalidAmount, in.NetAmount)
	}
	if in.AppliedDiscount != nil {
		if err := validateDiscount(*in.AppliedDiscount); err != nil {
			return err
		}
	}
	return nil
}

// PurchaseLedger manages purchase entries on commitments.
type PurchaseLedger struct {
	store  TxStore
	locks  *CustomerLocks
	now    Clock
	logger *zap.Logger
}

func NewPurchaseLedger(store TxStore, opts ...Option) *PurchaseLedger {
	o := newOptions(opts)
	return &PurchaseLedger{
		store:  store,
		locks:  o.locks,
		now:    o.clock,
		logger: o.logger,
	}
}

// AddPurchase appends a purchase to an active commitment and recomputes its
// balance.
func (l *PurchaseLedger) AddPurchase(ctx context.Context, commitmentID CommitmentID, in PurchaseInput) (PurchaseEntry, error) {
	if err := in.validate(); err != nil {
		return PurchaseEntry{}, err
	}

	customerID, err := l.ownerOf(ctx, commitmentID)
	if err != nil {
		return PurchaseEntry{}, err
	}
	unlock := l.locks.Lock(customerID)
	defer unlock()

	var entry PurchaseEntry
	err = l.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}

		now := l.now()
		if !IsActive(c, now) {
			return &InactiveError{CommitmentID: c.ID, Status: c.Status, ValidTo: c.ValidTo}
		}

		id := in.ID
		if id == "" {
			id = NewPurchaseID()
		}
		if _, dup := c.Entry(id); dup {
			return fmt.Errorf("%w: %s on commitment %s", ErrDuplicatePurchase, id, c.ID)
		}

		discount := c.DiscountPercent
		if in.AppliedDiscount != nil {
			discount = *in.AppliedDiscount
		}
		entry = PurchaseEntry{
			ID:              id,
			Amount:          in.Amount,
			NetAmount:       in.NetAmount,
			AppliedDiscount: discount,
			CreatedAt:       now,
		}
		c.PurchaseLog = append(c.PurchaseLog, entry)
		c.Recompute()
		return s.SaveCommitment(ctx, c)
	})
	if err != nil {
		return PurchaseEntry{}, l.fail("add purchase", err, zap.String("commitment_id", string(commitmentID)))
	}

	l.logger.Info("purchase added",
		zap.String("commitment_id", string(commitmentID)),
		zap.String("customer_id", string(customerID)),
		zap.String("purchase_id", string(entry.ID)),
		zap.String("amount", entry.Amount.String()),
	)
	return entry, nil
}

// RemovePurchase flags a purchase as removed on a withdrawn commitment and on
// every successor carrying it. It returns the number of versions changed.
// Removing an entry that is already removed changes nothing and succeeds.
func (l *PurchaseLedger) RemovePurchase(ctx context.Context, purchaseID PurchaseID, fromID CommitmentID) (int, error) {
	customerID, err := l.ownerOf(ctx, fromID)
	if err != nil {
		return 0, err
	}
	unlock := l.locks.Lock(customerID)
	defer unlock()

	touched := 0
	err = l.store.WithTx(ctx, func(s Store) error {
		from, err := s.GetCommitment(ctx, fromID)
		if err != nil {
			return err
		}
		if from.Status == StatusActive {
			return fmt.Errorf("%w: commitment %s", ErrActiveCommitmentRemovalForbidden, from.ID)
		}
		if from.entryIndex(purchaseID) < 0 {
			return fmt.Errorf("%w: %s on commitment %s", ErrPurchaseNotFound, purchaseID, from.ID)
		}

		chain, err := s.ListByCustomer(ctx, from.CustomerID)
		if err != nil {
			return err
		}

		for _, c := range append([]Commitment{from}, Successors(chain, from.ID)...) {
			i := c.entryIndex(purchaseID)
			if i < 0 || c.PurchaseLog[i].Removed {
				continue
			}
			c.PurchaseLog[i].Removed = true
			c.Recompute()
			if err := s.SaveCommitment(ctx, c); err != nil {
				return err
			}
			touched++
		}
		return nil
	})
	if err != nil {
		return 0, l.fail("remove purchase", err,
			zap.String("commitment_id", string(fromID)),
			zap.String("purchase_id", string(purchaseID)))
	}

	l.logger.Info("purchase removed",
		zap.String("commitment_id", string(fromID)),
		zap.String("customer_id", string(customerID)),
		zap.String("purchase_id", string(purchaseID)),
		zap.Int("versions_updated", touched),
	)
	return touched, nil
}

// ownerOf resolves the customer that owns a commitment. The owner never
// changes, so reading it before taking the lock is safe.
func (l *PurchaseLedger) ownerOf(ctx context.Context, id CommitmentID) (CustomerID, error) {
	c, err := l.store.GetCommitment(ctx, id)
	if err != nil {
		return "", persistence("get commitment", err)
	}
	return c.CustomerID, nil
}

func (l *PurchaseLedger) fail(op string, err error, fields ...zap.Field) error {
	err = persistence(op, err)
	if !IsClientError(err) && !IsNotFound(err) && !IsConflict(err) {
		l.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	}
	return err
}

// Successors returns every commitment in chain whose predecessor links lead
// back to id, nearest first. Cycles are ignored.
func Successors(chain []Commitment, id CommitmentID) []Commitment {
	next := make(map[CommitmentID][]Commitment)
	for _, c := range chain {
		if c.HasPredecessor() {
			next[c.PredecessorID] = append(next[c.PredecessorID], c)
		}
	}

	var out []Commitment
	seen := map[CommitmentID]bool{id: true}
	queue := []CommitmentID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range next[cur] {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out
}
