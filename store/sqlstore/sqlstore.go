/*
Package sqlstore implements commitment.TxStore on database/sql.

PURPOSE:
  One implementation of the commitment store for every SQL engine. The
  engine packages (store/sqlite, store/postgres, store/mysql) open the
  driver and hand in a Dialect; everything else lives here.

KEY TABLES:
  commitments:        One row per version. Balance is a cached column.
  purchase_entries:   Purchase log, one row per (commitment, purchase id),
                      ordered by seq. Rewritten on every save of its owner.
  active_commitments: customer_id -> commitment_id. The primary key on
                      customer_id rejects a second Active version even when
                      two processes race.

ENCODING:
  Decimals are stored as strings to keep exact precision. Times are stored
  as fixed-width UTC strings so ORDER BY valid_from is chronological on
  every engine.

TRANSACTIONS:
  WithTx runs fn against a view bound to one *sql.Tx. Reads inside fn see
  the transaction's own writes and lock the commitments rows they return
  (Dialect.LockRows), so two processes writing the same customer take
  turns. SaveCommitment outside WithTx opens its own transaction so the
  row, the log and the index change together.

  ReadTx, and every public read that needs more than one statement, runs
  in a read-only transaction with Dialect.ReadTx options so the commitment
  rows and their purchase entries come from the same snapshot.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/commitment-engine/commitment"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements commitment.TxStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

// New migrates the schema and returns a store over db. The caller keeps
// ownership of the driver choice; Close closes db.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate %s database: %w", dialect.Name, err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rlock() func() {
	if !s.dialect.SerializeWrites {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) wlock() func() {
	if !s.dialect.SerializeWrites {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// =============================================================================
// commitment.Store
// =============================================================================

func (s *Store) GetCommitment(ctx context.Context, id commitment.CommitmentID) (c commitment.Commitment, err error) {
	err = s.ReadTx(ctx, func(tx commitment.Store) error {
		c, err = tx.GetCommitment(ctx, id)
		return err
	})
	return c, err
}

func (s *Store) ActiveCommitmentID(ctx context.Context, customerID commitment.CustomerID) (commitment.CommitmentID, bool, error) {
	defer s.rlock()()
	return s.activeCommitmentID(ctx, s.db, customerID)
}

func (s *Store) ListByCustomer(ctx context.Context, customerID commitment.CustomerID) (out []commitment.Commitment, err error) {
	err = s.ReadTx(ctx, func(tx commitment.Store) error {
		out, err = tx.ListByCustomer(ctx, customerID)
		return err
	})
	return out, err
}

func (s *Store) CustomerIDs(ctx context.Context) ([]commitment.CustomerID, error) {
	defer s.rlock()()
	return s.customerIDs(ctx, s.db)
}

func (s *Store) SaveCommitment(ctx context.Context, c commitment.Commitment) error {
	return s.WithTx(ctx, func(tx commitment.Store) error {
		return tx.SaveCommitment(ctx, c)
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(commitment.Store) error) error {
	defer s.wlock()()

	sqlTx, err := s.db.BeginTx(ctx, s.dialect.WriteTx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s, lockRows: true}); err != nil {
		return s.conflict(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.conflict(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// ReadTx executes fn within a read-only transaction.
func (s *Store) ReadTx(ctx context.Context, fn func(commitment.Store) error) error {
	defer s.rlock()()

	sqlTx, err := s.db.BeginTx(ctx, s.dialect.ReadTx)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s, readOnly: true}); err != nil {
		return s.conflict(err)
	}
	return sqlTx.Commit()
}

// conflict tags serialization failures so callers can retry them.
func (s *Store) conflict(err error) error {
	if s.dialect.IsConflict == nil || errors.Is(err, commitment.ErrConcurrentModification) || !s.dialect.IsConflict(err) {
		return err
	}
	return fmt.Errorf("%w: %w", commitment.ErrConcurrentModification, err)
}

type txStore struct {
	tx       *sql.Tx
	parent   *Store
	lockRows bool
	readOnly bool
}

func (ts *txStore) GetCommitment(ctx context.Context, id commitment.CommitmentID) (commitment.Commitment, error) {
	return ts.parent.getCommitment(ctx, ts.tx, id, ts.lockRows)
}

func (ts *txStore) ActiveCommitmentID(ctx context.Context, customerID commitment.CustomerID) (commitment.CommitmentID, bool, error) {
	return ts.parent.activeCommitmentID(ctx, ts.tx, customerID)
}

func (ts *txStore) ListByCustomer(ctx context.Context, customerID commitment.CustomerID) ([]commitment.Commitment, error) {
	return ts.parent.listByCustomer(ctx, ts.tx, customerID, ts.lockRows)
}

func (ts *txStore) CustomerIDs(ctx context.Context) ([]commitment.CustomerID, error) {
	return ts.parent.customerIDs(ctx, ts.tx)
}

func (ts *txStore) SaveCommitment(ctx context.Context, c commitment.Commitment) error {
	if ts.readOnly {
		return fmt.Errorf("%w: save %s", commitment.ErrReadOnly, c.ID)
	}
	return ts.parent.saveCommitment(ctx, ts.tx, c)
}

// =============================================================================
// QUERIES
// =============================================================================

const entryColumns = "commitment_id, purchase_id, seq, amount, net_amount, applied_discount, removed, created_at"

func (s *Store) getCommitment(ctx context.Context, q queryer, id commitment.CommitmentID, lock bool) (commitment.Commitment, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT "+CommitmentColumns+" FROM commitments WHERE id = ?"+s.lockClause(lock)), string(id))
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return commitment.Commitment{}, fmt.Errorf("%w: %s", commitment.ErrCommitmentNotFound, id)
	}
	if err != nil {
		return commitment.Commitment{}, err
	}

	logs, err := s.queryEntries(ctx, q,
		"SELECT "+entryColumns+" FROM purchase_entries WHERE commitment_id = ? ORDER BY seq", string(id))
	if err != nil {
		return commitment.Commitment{}, err
	}
	c.PurchaseLog = logs[c.ID]
	if c.PurchaseLog == nil {
		c.PurchaseLog = []commitment.PurchaseEntry{}
	}
	return c, nil
}

func (s *Store) lockClause(lock bool) string {
	if !lock {
		return ""
	}
	return s.dialect.LockRows
}

func (s *Store) activeCommitmentID(ctx context.Context, q queryer, customerID commitment.CustomerID) (commitment.CommitmentID, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT commitment_id FROM active_commitments WHERE customer_id = ?"), string(customerID)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read active commitment: %w", err)
	}
	return commitment.CommitmentID(id), true, nil
}

func (s *Store) listByCustomer(ctx context.Context, q queryer, customerID commitment.CustomerID, lock bool) ([]commitment.Commitment, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(
		"SELECT "+CommitmentColumns+" FROM commitments WHERE customer_id = ? ORDER BY valid_from ASC, id ASC"+s.lockClause(lock)),
		string(customerID))
	if err != nil {
		return nil, fmt.Errorf("failed to query commitments: %w", err)
	}

	var out []commitment.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	// Close before the next query: a transaction holds a single connection.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return []commitment.Commitment{}, nil
	}

	logs, err := s.queryEntries(ctx, q,
		"SELECT e.commitment_id, e.purchase_id, e.seq, e.amount, e.net_amount, e.applied_discount, e.removed, e.created_at"+
			" FROM purchase_entries e JOIN commitments c ON c.id = e.commitment_id"+
			" WHERE c.customer_id = ? ORDER BY e.commitment_id, e.seq",
		string(customerID))
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].PurchaseLog = logs[out[i].ID]
		if out[i].PurchaseLog == nil {
			out[i].PurchaseLog = []commitment.PurchaseEntry{}
		}
	}
	return out, nil
}

func (s *Store) customerIDs(ctx context.Context, q queryer) ([]commitment.CustomerID, error) {
	rows, err := q.QueryContext(ctx, "SELECT DISTINCT customer_id FROM commitments")
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	out := []commitment.CustomerID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		out = append(out, commitment.CustomerID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Collations differ between engines; byte order is the contract.
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) queryEntries(ctx context.Context, q queryer, query string, args ...any) (map[commitment.CommitmentID][]commitment.PurchaseEntry, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase entries: %w", err)
	}
	defer rows.Close()

	out := make(map[commitment.CommitmentID][]commitment.PurchaseEntry)
	for rows.Next() {
		owner, e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], e)
	}
	return out, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) saveCommitment(ctx context.Context, q queryer, c commitment.Commitment) error {
	if !c.Status.Valid() {
		return fmt.Errorf("invalid status %q for commitment %s", c.Status, c.ID)
	}

	// The index is checked first so a conflicting save writes nothing.
	if err := s.updateActiveIndex(ctx, q, c); err != nil {
		return err
	}

	_, err := q.ExecContext(ctx, s.dialect.rebind(s.dialect.UpsertCommitment),
		string(c.ID),
		string(c.CustomerID),
		c.TargetAmount.String(),
		c.DiscountPercent,
		formatTime(c.ValidFrom),
		formatTime(c.ValidTo),
		string(c.Status),
		nullString(string(c.PredecessorID)),
		c.Balance.String(),
		nullString(c.CreatedBy),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save commitment %s: %w", c.ID, err)
	}

	if _, err := q.ExecContext(ctx, s.dialect.rebind(
		"DELETE FROM purchase_entries WHERE commitment_id = ?"), string(c.ID)); err != nil {
		return fmt.Errorf("failed to clear purchase log of %s: %w", c.ID, err)
	}
	insert := s.dialect.rebind("INSERT INTO purchase_entries (" + entryColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	for i, e := range c.PurchaseLog {
		_, err := q.ExecContext(ctx, insert,
			string(c.ID),
			string(e.ID),
			i,
			e.Amount.String(),
			e.NetAmount.String(),
			e.AppliedDiscount,
			e.Removed,
			formatTime(e.CreatedAt),
		)
		if err != nil {
			if s.isUnique(err) {
				return fmt.Errorf("%w: %s on commitment %s", commitment.ErrDuplicatePurchase, e.ID, c.ID)
			}
			return fmt.Errorf("failed to save purchase %s: %w", e.ID, err)
		}
	}
	return nil
}

func (s *Store) updateActiveIndex(ctx context.Context, q queryer, c commitment.Commitment) error {
	if c.Status == commitment.StatusWithdrawn {
		_, err := q.ExecContext(ctx, s.dialect.rebind(
			"DELETE FROM active_commitments WHERE customer_id = ? AND commitment_id = ?"),
			string(c.CustomerID), string(c.ID))
		if err != nil {
			return fmt.Errorf("failed to clear active index: %w", err)
		}
		return nil
	}

	cur, ok, err := s.activeCommitmentID(ctx, q, c.CustomerID)
	if err != nil {
		return err
	}
	if ok {
		if cur != c.ID {
			return fmt.Errorf("%w: customer %s already has active commitment %s",
				commitment.ErrConcurrentModification, c.CustomerID, cur)
		}
		return nil
	}

	_, err = q.ExecContext(ctx, s.dialect.rebind(
		"INSERT INTO active_commitments (customer_id, commitment_id) VALUES (?, ?)"),
		string(c.CustomerID), string(c.ID))
	if err != nil {
		if s.isUnique(err) {
			return fmt.Errorf("%w: customer %s gained an active commitment concurrently",
				commitment.ErrConcurrentModification, c.CustomerID)
		}
		return fmt.Errorf("failed to set active index: %w", err)
	}
	return nil
}

func (s *Store) isUnique(err error) bool {
	return s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err)
}

// Reset deletes every row. Used by tests that share one database.
func (s *Store) Reset(ctx context.Context) error {
	defer s.wlock()()
	for _, table := range []string{"purchase_entries", "active_commitments", "commitments"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}
