package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commitment-engine/commitment"
	"github.com/warp/commitment-engine/commitment/store"
	"github.com/warp/commitment-engine/store/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) commitment.TxStore {
		return store.NewMemory()
	})
}

func TestMemory_ReturnsCopies(t *testing.T) {
	// GIVEN: a stored commitment with one purchase
	ctx := context.Background()
	mem := store.NewMemory()
	at := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	c := commitment.Commitment{
		ID: "c-1", CustomerID: "cust", Status: commitment.StatusActive,
		ValidFrom: at, ValidTo: commitment.ValidToFor(at),
		PurchaseLog: []commitment.PurchaseEntry{{ID: "p", Amount: decimal.NewFromInt(5)}},
	}
	c.Recompute()
	require.NoError(t, mem.SaveCommitment(ctx, c))

	// WHEN: both the caller's value and a read value are mutated
	c.PurchaseLog[0].Removed = true
	got, err := mem.GetCommitment(ctx, "c-1")
	require.NoError(t, err)
	got.PurchaseLog[0].Amount = decimal.NewFromInt(99)

	// THEN: the stored record is unaffected
	again, err := mem.GetCommitment(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, again.PurchaseLog[0].Removed)
	assert.True(t, again.PurchaseLog[0].Amount.Equal(decimal.NewFromInt(5)))
}

func TestMemory_RollbackRevertsEverySave(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	at := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	version := func(id commitment.CommitmentID, customer commitment.CustomerID, status commitment.Status, from time.Time) commitment.Commitment {
		c := commitment.Commitment{
			ID: id, CustomerID: customer, Status: status,
			ValidFrom: from, ValidTo: commitment.ValidToFor(from),
			PurchaseLog: []commitment.PurchaseEntry{},
		}
		c.Recompute()
		return c
	}

	// GIVEN: one customer with an active version
	v1 := version("v1", "cust-a", commitment.StatusActive, at)
	require.NoError(t, mem.SaveCommitment(ctx, v1))

	// WHEN: a transaction withdraws it, adds a successor, saves the successor
	// twice, starts a second customer and then fails
	err := mem.WithTx(ctx, func(tx commitment.Store) error {
		withdrawn := v1.Clone()
		withdrawn.Status = commitment.StatusWithdrawn
		require.NoError(t, tx.SaveCommitment(ctx, withdrawn))

		v2 := version("v2", "cust-a", commitment.StatusActive, at.Add(time.Hour))
		require.NoError(t, tx.SaveCommitment(ctx, v2))
		v2.PurchaseLog = append(v2.PurchaseLog, commitment.PurchaseEntry{ID: "p", Amount: decimal.NewFromInt(3)})
		v2.Recompute()
		require.NoError(t, tx.SaveCommitment(ctx, v2))

		require.NoError(t, tx.SaveCommitment(ctx, version("b1", "cust-b", commitment.StatusActive, at)))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	// THEN: the store is exactly as before
	ids, err := mem.CustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []commitment.CustomerID{"cust-a"}, ids)

	chain, err := mem.ListByCustomer(ctx, "cust-a")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, commitment.StatusActive, chain[0].Status)

	activeID, ok, err := mem.ActiveCommitmentID(ctx, "cust-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, commitment.CommitmentID("v1"), activeID)

	_, err = mem.GetCommitment(ctx, "v2")
	assert.ErrorIs(t, err, commitment.ErrCommitmentNotFound)
	_, ok, err = mem.ActiveCommitmentID(ctx, "cust-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// AND: a later plain save is not reverted by the earlier log
	require.NoError(t, mem.SaveCommitment(ctx, version("b1", "cust-b", commitment.StatusActive, at)))
	require.NoError(t, mem.WithTx(ctx, func(commitment.Store) error { return nil }))
	_, ok, err = mem.ActiveCommitmentID(ctx, "cust-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_ReadTxRejectsSaves(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	at := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	err := mem.ReadTx(ctx, func(tx commitment.Store) error {
		return tx.SaveCommitment(ctx, commitment.Commitment{
			ID: "c-1", CustomerID: "cust", Status: commitment.StatusActive,
			ValidFrom: at, ValidTo: commitment.ValidToFor(at),
		})
	})

	assert.ErrorIs(t, err, commitment.ErrReadOnly)
	ids, err := mem.CustomerIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
