package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commitment-engine/commitment"
	"github.com/warp/commitment-engine/store/sqlstore"
	"github.com/warp/commitment-engine/store/storetest"
)

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) commitment.TxStore {
		s, err := New(filepath.Join(t.TempDir(), "commitments.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLite_InMemory(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.CustomerIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "commitments.db")

	s, err := New(path)
	require.NoError(t, err)
	e := commitment.NewEngine(s)
	created, err := e.CreateCommitment(ctx, commitment.CreateInput{CustomerID: "c1", DiscountPercent: 2})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	id, ok, err := s.ActiveCommitmentID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, created.ID, id)
}

func TestIsUniqueConstraintError(t *testing.T) {
	assert.True(t, isUniqueConstraintError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}))
	assert.True(t, isUniqueConstraintError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.False(t, isUniqueConstraintError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}))
	assert.False(t, isUniqueConstraintError(errors.New("UNIQUE constraint failed")))
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, isBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, isBusy(errors.New("database is locked")))
}

func TestSQLite_ConflictsReportConcurrentModification(t *testing.T) {
	ctx := context.Background()
	errSerialization := errors.New("could not serialize access")

	// GIVEN: a dialect that classifies errSerialization as a conflict
	d := Dialect
	d.IsConflict = func(err error) bool { return errors.Is(err, errSerialization) }
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "commitments.db"))
	require.NoError(t, err)
	s, err := sqlstore.New(ctx, db, d)
	require.NoError(t, err)
	defer s.Close()

	// WHEN: a transaction fails with it
	err = s.WithTx(ctx, func(commitment.Store) error {
		return fmt.Errorf("save: %w", errSerialization)
	})

	// THEN: callers see a retryable conflict and the cause
	assert.ErrorIs(t, err, commitment.ErrConcurrentModification)
	assert.ErrorIs(t, err, errSerialization)
	assert.Equal(t, "concurrent_modification", commitment.Code(err))

	// AND: other failures pass through untouched
	err = s.WithTx(ctx, func(commitment.Store) error { return assert.AnError })
	assert.NotErrorIs(t, err, commitment.ErrConcurrentModification)
}
