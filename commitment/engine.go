/*
engine.go - Commitment versioning

PURPOSE:
  The Engine is the entry point for callers. It creates new commitment
  versions and serves reads; purchase mutations are delegated to the
  PurchaseLedger sharing the same store, clock and lock table.

CREATE FLOW:
  1. Validate discount (0..6), target (>= 0), customer id. Nothing is
     touched on failure.
  2. Under the customer's lock, in one transaction:
     a. Look up the customer's Active commitment via the active index.
     b. If present: mark it Withdrawn (its window is untouched).
     c. Build the new version: ValidFrom = now, ValidTo = Dec 31 23:59:59
        of that year, Status = Active, PredecessorID = previous id.
     d. Copy the previous purchase log (ids, amounts, removed flags) and
        recompute the balance from the copy.
     e. Save both records.

  Target and discount are never edited in place. Creating a new version is
  the only way to change them.

READS:
  Reads take no customer lock. Stores serve consistent snapshots, so a read
  sees a cascade either fully applied or not at all.
*/
package commitment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateInput describes a new commitment version.
type CreateInput struct {
	CustomerID      CustomerID
	TargetAmount    decimal.Decimal
	DiscountPercent int
	CreatedBy       string
}

func (in CreateInput) validate() error {
	if err := validateDiscount(in.DiscountPercent); err != nil {
		return err
	}
	if in.TargetAmount.IsNegative() {
		return fmt.Errorf("%w: target amount must not be negative, got %s", ErrInvalidAmount, in.TargetAmount)
	}
	if in.CustomerID == "" {
		return ErrInvalidCustomer
	}
	return nil
}

func validateDiscount(p int) error {
	if p < MinDiscountPercent || p > MaxDiscountPercent {
		return &DiscountError{Percent: p}
	}
	return nil
}

// Engine versions commitments and exposes the read API.
type Engine struct {
	store  TxStore
	ledger *PurchaseLedger
	locks  *CustomerLocks
	now    Clock
	logger *zap.Logger
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	o := newOptions(opts)
	return &Engine{
		store:  store,
		ledger: NewPurchaseLedger(store, WithClock(o.clock), WithLogger(o.logger), WithLocks(o.locks)),
		locks:  o.locks,
		now:    o.clock,
		logger: o.logger,
	}
}

// =============================================================================
// VERSIONING
// =============================================================================

// CreateCommitment creates a new Active version for the customer, withdrawing
// and carrying over the current one if it exists.
func (e *Engine) CreateCommitment(ctx context.Context, in CreateInput) (Commitment, error) {
	if err := in.validate(); err != nil {
		return Commitment{}, err
	}

	unlock := e.locks.Lock(in.CustomerID)
	defer unlock()

	now := e.now()
	var created Commitment
	err := e.store.WithTx(ctx, func(s Store) error {
		next := Commitment{
			ID:              NewCommitmentID(),
			CustomerID:      in.CustomerID,
			TargetAmount:    in.TargetAmount,
			DiscountPercent: in.DiscountPercent,
			ValidFrom:       now,
			Status:          StatusActive,
			PurchaseLog:     []PurchaseEntry{},
			CreatedBy:       in.CreatedBy,
			CreatedAt:       now,
		}

		prevID, ok, err := s.ActiveCommitmentID(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		if ok {
			prev, err := s.GetCommitment(ctx, prevID)
			if err != nil {
				return err
			}
			if prev.Status != StatusActive {
				return fmt.Errorf("%w: active index points at %s commitment %s",
					ErrConcurrentModification, prev.Status, prev.ID)
			}

			prev.Status = StatusWithdrawn
			if err := s.SaveCommitment(ctx, prev); err != nil {
				return err
			}

			// Keep the chain strictly ordered even if the clock did not advance.
			if !next.ValidFrom.After(prev.ValidFrom) {
				next.ValidFrom = prev.ValidFrom.Add(time.Microsecond)
			}
			next.PredecessorID = prev.ID
			next.PurchaseLog = prev.Clone().PurchaseLog
			if next.PurchaseLog == nil {
				next.PurchaseLog = []PurchaseEntry{}
			}
		}

		next.ValidTo = ValidToFor(next.ValidFrom)
		next.Recompute()
		created = next
		return s.SaveCommitment(ctx, next)
	})
	if err != nil {
		err = persistence("create commitment", err)
		if !IsConflict(err) {
			e.logger.Error("create commitment failed",
				zap.String("customer_id", string(in.CustomerID)), zap.Error(err))
		}
		return Commitment{}, err
	}

	if created.HasPredecessor() {
		e.logger.Info("commitment withdrawn",
			zap.String("commitment_id", string(created.PredecessorID)),
			zap.String("successor_id", string(created.ID)),
			zap.String("customer_id", string(in.CustomerID)),
		)
	}
	e.logger.Info("commitment created",
		zap.String("commitment_id", string(created.ID)),
		zap.String("customer_id", string(in.CustomerID)),
		zap.Int("discount_percent", created.DiscountPercent),
		zap.String("target_amount", created.TargetAmount.String()),
		zap.String("balance", created.Balance.String()),
	)
	return created, nil
}

// =============================================================================
// PURCHASES (delegated)
// =============================================================================

func (e *Engine) AddPurchase(ctx context.Context, commitmentID CommitmentID, in PurchaseInput) (PurchaseEntry, error) {
	return e.ledger.AddPurchase(ctx, commitmentID, in)
}

func (e *Engine) RemovePurchase(ctx context.Context, purchaseID PurchaseID, fromID CommitmentID) (int, error) {
	return e.ledger.RemovePurchase(ctx, purchaseID, fromID)
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) view(c Commitment, now time.Time) View {
	return View{Commitment: c, IsActive: IsActive(c, now)}
}

// GetCommitment returns a commitment with its activity computed now.
func (e *Engine) GetCommitment(ctx context.Context, id CommitmentID) (View, error) {
	c, err := e.store.GetCommitment(ctx, id)
	if err != nil {
		return View{}, persistence("get commitment", err)
	}
	return e.view(c, e.now()), nil
}

// ActiveCommitment returns the customer's currently usable commitment.
// ok is false when the customer has none, including when the Active-status
// version's window has lapsed.
func (e *Engine) ActiveCommitment(ctx context.Context, customerID CustomerID) (View, bool, error) {
	var (
		c  Commitment
		ok bool
	)
	// Index and record are read together so a concurrent create cannot
	// withdraw the record between the two reads.
	err := e.store.ReadTx(ctx, func(s Store) error {
		var id CommitmentID
		var err error
		if id, ok, err = s.ActiveCommitmentID(ctx, customerID); err != nil || !ok {
			return persistence("active commitment", err)
		}
		c, err = s.GetCommitment(ctx, id)
		return persistence("get commitment", err)
	})
	if err != nil {
		return View{}, false, err
	}
	if !ok {
		return View{}, false, nil
	}
	v := e.view(c, e.now())
	if !v.IsActive {
		return View{}, false, nil
	}
	return v, true, nil
}

// ActiveCommitments is the bulk form of ActiveCommitment. Customers without
// a usable commitment are left out.
func (e *Engine) ActiveCommitments(ctx context.Context, customerIDs []CustomerID) ([]View, error) {
	out := make([]View, 0, len(customerIDs))
	seen := make(map[CustomerID]bool, len(customerIDs))
	for _, id := range customerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		v, ok, err := e.ActiveCommitment(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Chain returns every version for the customer, oldest first.
func (e *Engine) Chain(ctx context.Context, customerID CustomerID) ([]View, error) {
	chain, err := e.store.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, persistence("list commitments", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, customerID)
	}
	now := e.now()
	out := make([]View, len(chain))
	for i, c := range chain {
		out[i] = e.view(c, now)
	}
	return out, nil
}

// CustomerIDs lists every customer with at least one commitment.
func (e *Engine) CustomerIDs(ctx context.Context) ([]CustomerID, error) {
	ids, err := e.store.CustomerIDs(ctx)
	if err != nil {
		return nil, persistence("list customers", err)
	}
	return ids, nil
}
