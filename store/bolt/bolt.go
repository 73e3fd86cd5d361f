// Package bolt provides a BoltDB-backed commitment store.
//
// All data lives in a single file and no external database process is
// required. Layout:
//
//	commitments/<commitment id>          -> JSON Commitment (log embedded)
//	active/<customer id>                 -> commitment id
//	customers/<customer id>/<commitment id> -> empty
//
// Bolt allows one read-write transaction at a time, so WithTx gives the
// same isolation as the SQL stores without extra locking.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/warp/commitment-engine/commitment"
)

var (
	bucketCommitments = []byte("commitments")
	bucketActive      = []byte("active")
	bucketCustomers   = []byte("customers")
)

// Store implements commitment.TxStore on BoltDB.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) a BoltDB database at the given path and ensures the
// buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCommitments, bucketActive, bucketCustomers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetCommitment(ctx context.Context, id commitment.CommitmentID) (c commitment.Commitment, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		c, err = (&txStore{tx: tx}).GetCommitment(ctx, id)
		return err
	})
	return c, err
}

func (s *Store) ActiveCommitmentID(ctx context.Context, customerID commitment.CustomerID) (id commitment.CommitmentID, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		id, ok, err = (&txStore{tx: tx}).ActiveCommitmentID(ctx, customerID)
		return err
	})
	return id, ok, err
}

func (s *Store) ListByCustomer(ctx context.Context, customerID commitment.CustomerID) (out []commitment.Commitment, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		out, err = (&txStore{tx: tx}).ListByCustomer(ctx, customerID)
		return err
	})
	return out, err
}

func (s *Store) CustomerIDs(ctx context.Context) (out []commitment.CustomerID, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		out, err = (&txStore{tx: tx}).CustomerIDs(ctx)
		return err
	})
	return out, err
}

func (s *Store) SaveCommitment(ctx context.Context, c commitment.Commitment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return (&txStore{tx: tx}).SaveCommitment(ctx, c)
	})
}

// WithTx runs fn in a read-write transaction. Returning an error rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(commitment.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

// ReadTx runs fn in a read-only transaction. Bolt readers see the snapshot
// taken when the transaction began.
func (s *Store) ReadTx(ctx context.Context, fn func(commitment.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type txStore struct {
	tx *bolt.Tx
}

func (ts *txStore) GetCommitment(_ context.Context, id commitment.CommitmentID) (commitment.Commitment, error) {
	var c commitment.Commitment
	v := ts.tx.Bucket(bucketCommitments).Get([]byte(id))
	if v == nil {
		return c, fmt.Errorf("%w: %s", commitment.ErrCommitmentNotFound, id)
	}
	if err := json.Unmarshal(v, &c); err != nil {
		return c, fmt.Errorf("failed to decode commitment %s: %w", id, err)
	}
	if c.PurchaseLog == nil {
		c.PurchaseLog = []commitment.PurchaseEntry{}
	}
	return c, nil
}

func (ts *txStore) ActiveCommitmentID(_ context.Context, customerID commitment.CustomerID) (commitment.CommitmentID, bool, error) {
	v := ts.tx.Bucket(bucketActive).Get([]byte(customerID))
	if v == nil {
		return "", false, nil
	}
	return commitment.CommitmentID(v), true, nil
}

func (ts *txStore) ListByCustomer(ctx context.Context, customerID commitment.CustomerID) ([]commitment.Commitment, error) {
	out := []commitment.Commitment{}
	b := ts.tx.Bucket(bucketCustomers).Bucket([]byte(customerID))
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(k, _ []byte) error {
		c, err := ts.GetCommitment(ctx, commitment.CommitmentID(k))
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (ts *txStore) CustomerIDs(_ context.Context) ([]commitment.CustomerID, error) {
	out := []commitment.CustomerID{}
	// Bolt keys are kept in byte order.
	err := ts.tx.Bucket(bucketCustomers).ForEach(func(k, _ []byte) error {
		out = append(out, commitment.CustomerID(k))
		return nil
	})
	return out, err
}

func (ts *txStore) SaveCommitment(_ context.Context, c commitment.Commitment) error {
	if !ts.tx.Writable() {
		return fmt.Errorf("%w: save %s", commitment.ErrReadOnly, c.ID)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("invalid status %q for commitment %s", c.Status, c.ID)
	}

	active := ts.tx.Bucket(bucketActive)
	cur := active.Get([]byte(c.CustomerID))
	switch c.Status {
	case commitment.StatusActive:
		if cur != nil && string(cur) != string(c.ID) {
			return fmt.Errorf("%w: customer %s already has active commitment %s",
				commitment.ErrConcurrentModification, c.CustomerID, cur)
		}
		if err := active.Put([]byte(c.CustomerID), []byte(c.ID)); err != nil {
			return err
		}
	case commitment.StatusWithdrawn:
		if string(cur) == string(c.ID) {
			if err := active.Delete([]byte(c.CustomerID)); err != nil {
				return err
			}
		}
	}

	customer, err := ts.tx.Bucket(bucketCustomers).CreateBucketIfNotExists([]byte(c.CustomerID))
	if err != nil {
		return fmt.Errorf("failed to index customer %s: %w", c.CustomerID, err)
	}
	if err := customer.Put([]byte(c.ID), []byte{}); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode commitment %s: %w", c.ID, err)
	}
	return ts.tx.Bucket(bucketCommitments).Put([]byte(c.ID), data)
}
