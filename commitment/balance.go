/*
balance.go - Balance derivation from the purchase log

PURPOSE:
  A commitment's balance is never an independent number. It is the sum of
  the amounts of its non-removed purchase entries, recomputed after every
  mutation of the log. Storing it is a cache for readers; Verify checks the
  cache against the log.
*/
package commitment

import "github.com/shopspring/decimal"

// Balance returns the sum of amounts over entries that are not removed.
func Balance(log []PurchaseEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range log {
		if e.Removed {
			continue
		}
		total = total.Add(e.Amount)
	}
	return total
}

// Recompute refreshes c.Balance from its purchase log.
func (c *Commitment) Recompute() {
	c.Balance = Balance(c.PurchaseLog)
}

// BalanceConsistent reports whether the stored balance matches the log.
func (c Commitment) BalanceConsistent() bool {
	return c.Balance.Equal(Balance(c.PurchaseLog))
}
