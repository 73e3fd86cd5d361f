/*
store.go - Persistence interface for commitment chains

PURPOSE:
  Defines the interface between the engine and the database. The logical
  layout is two mappings:
    commitment id -> Commitment (purchase log embedded)
    customer id   -> id of the customer's Active commitment

ACTIVE INDEX:
  The second mapping is an index, not a source of truth. SaveCommitment
  maintains it from the record's Status: saving an Active record points the
  customer at it, saving a Withdrawn record clears the pointer if it pointed
  at that record. There is no way to set it independently.

ATOMIC UPDATES:
  Every engine mutation runs inside TxStore.WithTx. Withdraw + create, and a
  cascade removal across several versions, are all-or-nothing.

CONSISTENT READS:
  A read that needs more than one call (chain plus active index, index plus
  the record it points at) runs inside TxStore.ReadTx, so a writer that
  commits in between is either fully visible or not at all.

IMPLEMENTATIONS:
  - commitment/store/memory.go: In-memory (tests, dev)
  - store/sqlite, store/postgres, store/mysql: database/sql via store/sqlstore
  - store/bolt: Embedded key/value
*/
package commitment

import "context"

// Store persists commitments.
type Store interface {
	// GetCommitment returns ErrCommitmentNotFound for unknown ids.
	GetCommitment(ctx context.Context, id CommitmentID) (Commitment, error)

	// ActiveCommitmentID reads the active index for a customer.
	ActiveCommitmentID(ctx context.Context, customerID CustomerID) (CommitmentID, bool, error)

	// ListByCustomer returns the customer's chain ordered by ValidFrom.
	ListByCustomer(ctx context.Context, customerID CustomerID) ([]Commitment, error)

	// CustomerIDs returns every customer with at least one commitment, sorted.
	CustomerIDs(ctx context.Context) ([]CustomerID, error)

	// SaveCommitment inserts or replaces a commitment including its purchase
	// log, and maintains the active index.
	SaveCommitment(ctx context.Context, c Commitment) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// ReadTx executes fn against a consistent snapshot. SaveCommitment on
	// the view returns ErrReadOnly.
	ReadTx(ctx context.Context, fn func(Store) error) error
}
