// Package storetest is a conformance suite every commitment.TxStore must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commitment-engine/commitment"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) commitment.TxStore

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s commitment.TxStore)
	}{
		{"RoundTrip", testRoundTrip},
		{"NotFound", testNotFound},
		{"ActiveIndex", testActiveIndex},
		{"SecondActiveRejected", testSecondActiveRejected},
		{"ListOrder", testListOrder},
		{"CustomerIDsSorted", testCustomerIDsSorted},
		{"TxRollback", testTxRollback},
		{"TxReadsOwnWrites", testTxReadsOwnWrites},
		{"ResaveReplacesLog", testResaveReplacesLog},
		{"ReadTxIsReadOnly", testReadTxIsReadOnly},
		{"ReadTxSnapshot", testReadTxSnapshot},
		{"EngineScenario", testEngineScenario},
		{"EngineConcurrentWriters", testEngineConcurrentWriters},
		{"EngineConcurrentAddAndRemove", testEngineConcurrentAddAndRemove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2025, time.March, 1, 9, 30, 0, 123456000, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sample(id, customer string, status commitment.Status, from time.Time) commitment.Commitment {
	c := commitment.Commitment{
		ID:              commitment.CommitmentID(id),
		CustomerID:      commitment.CustomerID(customer),
		TargetAmount:    dec("1500.50"),
		DiscountPercent: 4,
		ValidFrom:       from,
		ValidTo:         commitment.ValidToFor(from),
		Status:          status,
		PurchaseLog: []commitment.PurchaseEntry{
			{ID: "p-b", Amount: dec("10.10"), NetAmount: dec("9.70"), AppliedDiscount: 4, CreatedAt: from},
			{ID: "p-a", Amount: dec("5"), NetAmount: dec("4.80"), AppliedDiscount: 4, Removed: true, CreatedAt: from.Add(time.Minute)},
		},
		CreatedBy: "ops@example.com",
		CreatedAt: from,
	}
	c.Recompute()
	return c
}

func assertSameCommitment(t *testing.T, want, got commitment.Commitment) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.CustomerID, got.CustomerID)
	assert.True(t, want.TargetAmount.Equal(got.TargetAmount), "target %s != %s", want.TargetAmount, got.TargetAmount)
	assert.Equal(t, want.DiscountPercent, got.DiscountPercent)
	assert.True(t, want.ValidFrom.Equal(got.ValidFrom), "valid_from %s != %s", want.ValidFrom, got.ValidFrom)
	assert.True(t, want.ValidTo.Equal(got.ValidTo), "valid_to %s != %s", want.ValidTo, got.ValidTo)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.PredecessorID, got.PredecessorID)
	assert.True(t, want.Balance.Equal(got.Balance), "balance %s != %s", want.Balance, got.Balance)
	assert.Equal(t, want.CreatedBy, got.CreatedBy)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	require.Len(t, got.PurchaseLog, len(want.PurchaseLog))
	for i := range want.PurchaseLog {
		w, g := want.PurchaseLog[i], got.PurchaseLog[i]
		assert.Equal(t, w.ID, g.ID, "entry %d", i)
		assert.True(t, w.Amount.Equal(g.Amount), "entry %d amount", i)
		assert.True(t, w.NetAmount.Equal(g.NetAmount), "entry %d net", i)
		assert.Equal(t, w.AppliedDiscount, g.AppliedDiscount, "entry %d discount", i)
		assert.Equal(t, w.Removed, g.Removed, "entry %d removed", i)
		assert.True(t, w.CreatedAt.Equal(g.CreatedAt), "entry %d created_at", i)
	}
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func testRoundTrip(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	c := sample("c-1", "cust", commitment.StatusActive, base)

	require.NoError(t, s.SaveCommitment(ctx, c))

	got, err := s.GetCommitment(ctx, c.ID)
	require.NoError(t, err)
	assertSameCommitment(t, c, got)
	assert.True(t, got.BalanceConsistent())
}

func testNotFound(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()

	_, err := s.GetCommitment(ctx, "missing")
	assert.ErrorIs(t, err, commitment.ErrCommitmentNotFound)

	_, ok, err := s.ActiveCommitmentID(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListByCustomer(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)

	ids, err := s.CustomerIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testActiveIndex(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	c := sample("c-1", "cust", commitment.StatusActive, base)
	require.NoError(t, s.SaveCommitment(ctx, c))

	id, ok, err := s.ActiveCommitmentID(ctx, "cust")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.ID, id)

	// Resaving the active record keeps the index.
	require.NoError(t, s.SaveCommitment(ctx, c))
	_, ok, err = s.ActiveCommitmentID(ctx, "cust")
	require.NoError(t, err)
	assert.True(t, ok)

	c.Status = commitment.StatusWithdrawn
	require.NoError(t, s.SaveCommitment(ctx, c))
	_, ok, err = s.ActiveCommitmentID(ctx, "cust")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSecondActiveRejected(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveCommitment(ctx, sample("c-1", "cust", commitment.StatusActive, base)))

	err := s.SaveCommitment(ctx, sample("c-2", "cust", commitment.StatusActive, base.Add(time.Hour)))
	require.ErrorIs(t, err, commitment.ErrConcurrentModification)

	_, err = s.GetCommitment(ctx, "c-2")
	assert.ErrorIs(t, err, commitment.ErrCommitmentNotFound, "rejected save must write nothing")
	id, _, err := s.ActiveCommitmentID(ctx, "cust")
	require.NoError(t, err)
	assert.Equal(t, commitment.CommitmentID("c-1"), id)
}

func testListOrder(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	// Saved out of order; nanosecond-distinct ValidFrom values.
	require.NoError(t, s.SaveCommitment(ctx, sample("z", "cust", commitment.StatusActive, base.Add(2*time.Microsecond))))
	require.NoError(t, s.SaveCommitment(ctx, sample("y", "cust", commitment.StatusWithdrawn, base)))
	require.NoError(t, s.SaveCommitment(ctx, sample("x", "cust", commitment.StatusWithdrawn, base.Add(time.Microsecond))))
	require.NoError(t, s.SaveCommitment(ctx, sample("o", "other", commitment.StatusActive, base)))

	list, err := s.ListByCustomer(ctx, "cust")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []commitment.CommitmentID{"y", "x", "z"}, []commitment.CommitmentID{list[0].ID, list[1].ID, list[2].ID})
	for _, c := range list {
		assert.Len(t, c.PurchaseLog, 2, "log of %s", c.ID)
	}
}

func testCustomerIDsSorted(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	for i, customer := range []string{"carol", "Bob", "alice", "bob"} {
		c := sample("c-"+customer, customer, commitment.StatusActive, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.SaveCommitment(ctx, c))
	}

	ids, err := s.CustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []commitment.CustomerID{"Bob", "alice", "bob", "carol"}, ids)
}

var errAbort = errors.New("abort")

func testTxRollback(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	first := sample("c-1", "cust", commitment.StatusActive, base)
	require.NoError(t, s.SaveCommitment(ctx, first))

	err := s.WithTx(ctx, func(tx commitment.Store) error {
		withdrawn := first
		withdrawn.Status = commitment.StatusWithdrawn
		if err := tx.SaveCommitment(ctx, withdrawn); err != nil {
			return err
		}
		if err := tx.SaveCommitment(ctx, sample("c-2", "cust", commitment.StatusActive, base.Add(time.Hour))); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	got, err := s.GetCommitment(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusActive, got.Status)
	_, err = s.GetCommitment(ctx, "c-2")
	assert.ErrorIs(t, err, commitment.ErrCommitmentNotFound)
	id, ok, err := s.ActiveCommitmentID(ctx, "cust")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.ID, id)
}

func testTxReadsOwnWrites(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx commitment.Store) error {
		if err := tx.SaveCommitment(ctx, sample("c-1", "cust", commitment.StatusActive, base)); err != nil {
			return err
		}
		id, ok, err := tx.ActiveCommitmentID(ctx, "cust")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, commitment.CommitmentID("c-1"), id)

		list, err := tx.ListByCustomer(ctx, "cust")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		ids, err := tx.CustomerIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []commitment.CustomerID{"cust"}, ids)
		return nil
	})
	require.NoError(t, err)
}

func testResaveReplacesLog(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	c := sample("c-1", "cust", commitment.StatusActive, base)
	require.NoError(t, s.SaveCommitment(ctx, c))

	c.PurchaseLog[0].Removed = true
	c.PurchaseLog = append(c.PurchaseLog, commitment.PurchaseEntry{
		ID: "p-c", Amount: dec("7.25"), NetAmount: dec("7"), AppliedDiscount: 4, CreatedAt: base.Add(time.Hour),
	})
	c.Recompute()
	require.NoError(t, s.SaveCommitment(ctx, c))

	got, err := s.GetCommitment(ctx, c.ID)
	require.NoError(t, err)
	assertSameCommitment(t, c, got)
	assert.True(t, got.Balance.Equal(dec("7.25")))
}

func testReadTxIsReadOnly(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()

	err := s.ReadTx(ctx, func(tx commitment.Store) error {
		return tx.SaveCommitment(ctx, sample("c-1", "cust", commitment.StatusActive, base))
	})
	assert.Error(t, err)

	_, err = s.GetCommitment(ctx, "c-1")
	assert.ErrorIs(t, err, commitment.ErrCommitmentNotFound)
}

// testReadTxSnapshot lets a writer supersede the active version between two
// reads of one ReadTx. The second read must agree with the first.
func testReadTxSnapshot(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	e := commitment.NewEngine(s, commitment.WithClock(func() time.Time { return base }))
	v1, err := e.CreateCommitment(ctx, commitment.CreateInput{CustomerID: "cust", TargetAmount: dec("100")})
	require.NoError(t, err)

	done := make(chan error, 1)
	err = s.ReadTx(ctx, func(tx commitment.Store) error {
		id, ok, err := tx.ActiveCommitmentID(ctx, "cust")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, v1.ID, id)

		go func() {
			_, err := e.CreateCommitment(ctx, commitment.CreateInput{CustomerID: "cust", TargetAmount: dec("200")})
			done <- err
		}()
		// Stores that isolate with locks hold the writer back; the others
		// let it commit here.
		select {
		case err := <-done:
			done <- err
		case <-time.After(50 * time.Millisecond):
		}

		chain, err := tx.ListByCustomer(ctx, "cust")
		require.NoError(t, err)
		require.Len(t, chain, 1)
		assert.Equal(t, commitment.StatusActive, chain[0].Status)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, <-done)
	chain, err := s.ListByCustomer(ctx, "cust")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

// =============================================================================
// ENGINE ON THIS STORE
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func testEngineScenario(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC)}
	e := commitment.NewEngine(s, commitment.WithClock(clk.Now))

	v1, err := e.CreateCommitment(ctx, commitment.CreateInput{CustomerID: "42", TargetAmount: dec("1000"), DiscountPercent: 3})
	require.NoError(t, err)
	p, err := e.AddPurchase(ctx, v1.ID, commitment.PurchaseInput{Amount: dec("200")})
	require.NoError(t, err)

	clk.Set(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	v2, err := e.CreateCommitment(ctx, commitment.CreateInput{CustomerID: "42", TargetAmount: dec("1500"), DiscountPercent: 5})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.PredecessorID)
	assert.True(t, v2.Balance.Equal(dec("200")))

	touched, err := e.RemovePurchase(ctx, p.ID, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, touched)

	for _, id := range []commitment.CommitmentID{v1.ID, v2.ID} {
		v, err := e.GetCommitment(ctx, id)
		require.NoError(t, err)
		assert.True(t, v.Balance.IsZero())
	}

	_, err = e.AddPurchase(ctx, v1.ID, commitment.PurchaseInput{Amount: dec("50")})
	assert.ErrorIs(t, err, commitment.ErrInactiveCommitment)

	_, err = e.RemovePurchase(ctx, p.ID, v2.ID)
	assert.ErrorIs(t, err, commitment.ErrActiveCommitmentRemovalForbidden)

	report, err := commitment.Verify(ctx, s, nil)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Violations)
}

// testEngineConcurrentWriters runs two engines with separate lock tables, as
// two processes sharing one database would.
func testEngineConcurrentWriters(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	clk := &clock{now: base}
	engines := []*commitment.Engine{
		commitment.NewEngine(s, commitment.WithClock(clk.Now)),
		commitment.NewEngine(s, commitment.WithClock(clk.Now)),
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engines[i%2].CreateCommitment(ctx, commitment.CreateInput{
				CustomerID: "cust", TargetAmount: decimal.NewFromInt(int64(i)), DiscountPercent: 1,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		// Databases with row-level concurrency may refuse the loser.
		assert.ErrorIs(t, err, commitment.ErrConcurrentModification)
	}
	require.Positive(t, created)

	chain, err := s.ListByCustomer(ctx, "cust")
	require.NoError(t, err)
	assert.Len(t, chain, created)
	active := 0
	for _, c := range chain {
		if c.Status == commitment.StatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)

	report, err := commitment.Verify(ctx, s, nil)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Violations)
}

// testEngineConcurrentAddAndRemove adds purchases to the active version
// while two engines remove older purchases through history. No write may
// overwrite another's purchase log.
func testEngineConcurrentAddAndRemove(t *testing.T, s commitment.TxStore) {
	ctx := context.Background()
	clk := &clock{now: base}
	engines := []*commitment.Engine{
		commitment.NewEngine(s, commitment.WithClock(clk.Now)),
		commitment.NewEngine(s, commitment.WithClock(clk.Now)),
	}

	const n = 6
	v1, err := engines[0].CreateCommitment(ctx, commitment.CreateInput{CustomerID: "cust", TargetAmount: dec("1000")})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := engines[0].AddPurchase(ctx, v1.ID, commitment.PurchaseInput{
			ID: commitment.PurchaseID(fmt.Sprintf("old-%d", i)), Amount: dec("10"),
		})
		require.NoError(t, err)
	}
	clk.Set(base.Add(time.Hour))
	v2, err := engines[0].CreateCommitment(ctx, commitment.CreateInput{CustomerID: "cust", TargetAmount: dec("1000")})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		added   []commitment.PurchaseID
		removed []commitment.PurchaseID
	)
	record := func(list *[]commitment.PurchaseID, id commitment.PurchaseID, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			assert.ErrorIs(t, err, commitment.ErrConcurrentModification)
			return
		}
		*list = append(*list, id)
	}
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := commitment.PurchaseID(fmt.Sprintf("new-%d", i))
			_, err := engines[i%2].AddPurchase(ctx, v2.ID, commitment.PurchaseInput{ID: id, Amount: dec("1")})
			record(&added, id, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			id := commitment.PurchaseID(fmt.Sprintf("old-%d", i))
			_, err := engines[(i+1)%2].RemovePurchase(ctx, id, v1.ID)
			record(&removed, id, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetCommitment(ctx, v2.ID)
	require.NoError(t, err)
	entries := make(map[commitment.PurchaseID]commitment.PurchaseEntry, len(got.PurchaseLog))
	for _, e := range got.PurchaseLog {
		entries[e.ID] = e
	}
	for _, id := range added {
		e, ok := entries[id]
		if assert.True(t, ok, "added purchase %s lost", id) {
			assert.False(t, e.Removed, id)
		}
	}
	for _, id := range removed {
		assert.True(t, entries[id].Removed, "removal of %s lost", id)
	}

	report, err := commitment.Verify(ctx, s, nil)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Violations)
}
