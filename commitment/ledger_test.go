package commitment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commitment-engine/commitment"
	"github.com/warp/commitment-engine/commitment/store"
)

// threeVersions builds v1 (withdrawn) [p1, p2] -> v2 (withdrawn) [p1, p2, p3] -> v3 (active).
func threeVersions(t *testing.T) (*commitment.Engine, *store.Memory, [3]commitment.Commitment, [3]commitment.PurchaseEntry) {
	t.Helper()
	e, mem, clock := newTestEngine(t, date(2025, time.January, 5))

	v1 := create(t, e, "c1", "1000", 2)
	p1 := addPurchase(t, e, v1.ID, "100")
	p2 := addPurchase(t, e, v1.ID, "200")

	clock.Set(date(2025, time.February, 5))
	v2 := create(t, e, "c1", "1500", 3)
	p3 := addPurchase(t, e, v2.ID, "300")

	clock.Set(date(2025, time.March, 5))
	v3 := create(t, e, "c1", "2000", 4)

	return e, mem, [3]commitment.Commitment{v1, v2, v3}, [3]commitment.PurchaseEntry{p1, p2, p3}
}

// =============================================================================
// ADD PURCHASE
// =============================================================================

func TestAddPurchase_UpdatesBalance(t *testing.T) {
	e, mem, _ := newTestEngine(t, date(2025, time.June, 1))
	c := create(t, e, "c1", "1000", 4)

	p := addPurchase(t, e, c.ID, "10.25")
	addPurchase(t, e, c.ID, "0.75")

	v := get(t, e, c.ID)
	assert.True(t, v.Balance.Equal(dec("11")))
	require.Len(t, v.PurchaseLog, 2)
	assert.Equal(t, 4, p.AppliedDiscount, "defaults to the commitment's discount")
	assert.Equal(t, date(2025, time.June, 1), p.CreatedAt)
	assert.NotEmpty(t, p.ID)
	assertInvariants(t, mem, "c1")
}

func TestAddPurchase_CallerSuppliedFields(t *testing.T) {
	e, _, _ := newTestEngine(t, date(2025, time.June, 1))
	c := create(t, e, "c1", "1000", 4)
	discount := 2

	p, err := e.AddPurchase(context.Background(), c.ID, commitment.PurchaseInput{
		ID:              "order-17",
		Amount:          dec("100"),
		NetAmount:       dec("98"),
		AppliedDiscount: &discount,
	})
	require.NoError(t, err)
	assert.Equal(t, commitment.PurchaseID("order-17"), p.ID)
	assert.True(t, p.NetAmount.Equal(dec("98")))
	assert.Equal(t, 2, p.AppliedDiscount)

	entry, ok := get(t, e, c.ID).Entry("order-17")
	require.True(t, ok)
	assert.True(t, entry.Amount.Equal(dec("100")))
}

func TestAddPurchase_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, date(2025, time.June, 1))
	c := create(t, e, "c1", "1000", 4)
	bad := 7

	tests := []struct {
		name string
		in   commitment.PurchaseInput
		want error
	}{
		{"zero amount", commitment.PurchaseInput{Amount: dec("0")}, commitment.ErrInvalidAmount},
		{"negative amount", commitment.PurchaseInput{Amount: dec("-5")}, commitment.ErrInvalidAmount},
		{"negative net", commitment.PurchaseInput{Amount: dec("5"), NetAmount: dec("-1")}, commitment.ErrInvalidAmount},
		{"discount out of range", commitment.PurchaseInput{Amount: dec("5"), AppliedDiscount: &bad}, commitment.ErrInvalidDiscountPercentage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddPurchase(ctx, c.ID, tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, commitment.IsClientError(err))
		})
	}
	assert.True(t, get(t, e, c.ID).Balance.IsZero())
	assert.Empty(t, get(t, e, c.ID).PurchaseLog)
}

func TestAddPurchase_UnknownCommitment(t *testing.T) {
	e, _, _ := newTestEngine(t, date(2025, time.June, 1))
	_, err := e.AddPurchase(context.Background(), "nope", commitment.PurchaseInput{Amount: dec("1")})
	assert.ErrorIs(t, err, commitment.ErrCommitmentNotFound)
}

func TestAddPurchase_DuplicateID(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, date(2025, time.June, 1))
	c := create(t, e, "c1", "1000", 4)

	_, err := e.AddPurchase(ctx, c.ID, commitment.PurchaseInput{ID: "p-1", Amount: dec("10")})
	require.NoError(t, err)
	_, err = e.AddPurchase(ctx, c.ID, commitment.PurchaseInput{ID: "p-1", Amount: dec("10")})
	assert.ErrorIs(t, err, commitment.ErrDuplicatePurchase)
	assert.True(t, get(t, e, c.ID).Balance.Equal(dec("10")))
}

func TestAddPurchase_LapsedWindow(t *testing.T) {
	// GIVEN: an Active commitment from 2024 read in 2025
	e, _, clock := newTestEngine(t, date(2024, time.November, 1))
	c := create(t, e, "c1", "1000", 4)
	clock.Set(date(2025, time.January, 1))

	// WHEN
	_, err := e.AddPurchase(context.Background(), c.ID, commitment.PurchaseInput{Amount: dec("10")})

	// THEN
	require.ErrorIs(t, err, commitment.ErrInactiveCommitment)
	var ierr *commitment.InactiveError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, commitment.StatusActive, ierr.Status)
	assert.Contains(t, err.Error(), "outside its validity window")
}

func TestAddPurchase_LastSecondOfYearIsActive(t *testing.T) {
	e, _, clock := newTestEngine(t, date(2025, time.March, 1))
	c := create(t, e, "c1", "1000", 4)
	clock.Set(time.Date(2025, time.December, 31, 23, 59, 59, 0, time.UTC))

	_, err := e.AddPurchase(context.Background(), c.ID, commitment.PurchaseInput{Amount: dec("10")})
	assert.NoError(t, err)
}

// =============================================================================
// REMOVE PURCHASE
// =============================================================================

func TestRemovePurchase_CascadesForwardOnly(t *testing.T) {
	ctx := context.Background()
	e, mem, v, p := threeVersions(t)

	// WHEN: p2 is removed through v2
	touched, err := e.RemovePurchase(ctx, p[1].ID, v[1].ID)
	require.NoError(t, err)

	// THEN: v2 and v3 flag it; v1 keeps it
	assert.Equal(t, 2, touched)
	v1 := get(t, e, v[0].ID)
	e1, _ := v1.Entry(p[1].ID)
	assert.False(t, e1.Removed)
	assert.True(t, v1.Balance.Equal(dec("300")))

	for _, id := range []commitment.CommitmentID{v[1].ID, v[2].ID} {
		got := get(t, e, id)
		entry, ok := got.Entry(p[1].ID)
		require.True(t, ok)
		assert.True(t, entry.Removed)
		assert.True(t, got.Balance.Equal(dec("400")), "balance of %s is %s", id, got.Balance)
	}
	assertInvariants(t, mem, "c1")
}

func TestRemovePurchase_FromOldestReachesHead(t *testing.T) {
	e, mem, v, p := threeVersions(t)

	touched, err := e.RemovePurchase(context.Background(), p[0].ID, v[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, touched)

	assert.True(t, get(t, e, v[0].ID).Balance.Equal(dec("200")))
	assert.True(t, get(t, e, v[1].ID).Balance.Equal(dec("500")))
	assert.True(t, get(t, e, v[2].ID).Balance.Equal(dec("500")))
	assertInvariants(t, mem, "c1")
}

func TestRemovePurchase_Errors(t *testing.T) {
	ctx := context.Background()
	e, _, v, p := threeVersions(t)

	_, err := e.RemovePurchase(ctx, p[0].ID, v[2].ID)
	assert.ErrorIs(t, err, commitment.ErrActiveCommitmentRemovalForbidden)
	assert.True(t, commitment.IsConflict(err))

	_, err = e.RemovePurchase(ctx, p[2].ID, v[0].ID)
	assert.ErrorIs(t, err, commitment.ErrPurchaseNotFound, "v1 never carried p3")

	_, err = e.RemovePurchase(ctx, "unknown", v[1].ID)
	assert.ErrorIs(t, err, commitment.ErrPurchaseNotFound)

	_, err = e.RemovePurchase(ctx, p[0].ID, "missing")
	assert.ErrorIs(t, err, commitment.ErrCommitmentNotFound)

	// Nothing changed.
	for i, want := range []string{"300", "600", "600"} {
		assert.True(t, get(t, e, v[i].ID).Balance.Equal(dec(want)), "version %d", i+1)
	}
}

func TestRemovePurchase_Idempotent(t *testing.T) {
	ctx := context.Background()
	e, _, v, p := threeVersions(t)

	_, err := e.RemovePurchase(ctx, p[1].ID, v[0].ID)
	require.NoError(t, err)

	touched, err := e.RemovePurchase(ctx, p[1].ID, v[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, touched)
	assert.True(t, get(t, e, v[2].ID).Balance.Equal(dec("400")))
}

func TestRemovePurchase_SkipsSuccessorWithoutEntry(t *testing.T) {
	// GIVEN: a chain where the middle version does not carry p1
	ctx := context.Background()
	mem := store.NewMemory()
	at := date(2025, time.April, 1)
	entry := commitment.PurchaseEntry{ID: "p1", Amount: dec("50"), CreatedAt: at}

	v1 := commitment.Commitment{
		ID: "v1", CustomerID: "c1", TargetAmount: dec("100"), DiscountPercent: 1,
		ValidFrom: at, ValidTo: commitment.ValidToFor(at), Status: commitment.StatusWithdrawn,
		PurchaseLog: []commitment.PurchaseEntry{entry},
	}
	v2 := commitment.Commitment{
		ID: "v2", CustomerID: "c1", TargetAmount: dec("100"), DiscountPercent: 1,
		ValidFrom: at.Add(time.Hour), ValidTo: commitment.ValidToFor(at), Status: commitment.StatusWithdrawn,
		PredecessorID: "v1", PurchaseLog: []commitment.PurchaseEntry{},
	}
	v3 := commitment.Commitment{
		ID: "v3", CustomerID: "c1", TargetAmount: dec("100"), DiscountPercent: 1,
		ValidFrom: at.Add(2 * time.Hour), ValidTo: commitment.ValidToFor(at), Status: commitment.StatusActive,
		PredecessorID: "v2", PurchaseLog: []commitment.PurchaseEntry{entry},
	}
	for _, c := range []commitment.Commitment{v1, v2, v3} {
		c.Recompute()
		require.NoError(t, mem.SaveCommitment(ctx, c))
	}
	e := commitment.NewEngine(mem, commitment.WithClock(func() time.Time { return at.Add(3 * time.Hour) }))

	// WHEN
	touched, err := e.RemovePurchase(ctx, "p1", "v1")

	// THEN: v1 and v3 are flagged; v2 is untouched
	require.NoError(t, err)
	assert.Equal(t, 2, touched)
	assert.True(t, get(t, e, "v1").Balance.IsZero())
	assert.True(t, get(t, e, "v3").Balance.IsZero())
	assert.Empty(t, get(t, e, "v2").PurchaseLog)
}

func TestSuccessors(t *testing.T) {
	chain := []commitment.Commitment{
		{ID: "a"},
		{ID: "b", PredecessorID: "a"},
		{ID: "c", PredecessorID: "b"},
		{ID: "x"},
		// cycle
		{ID: "y", PredecessorID: "z"},
		{ID: "z", PredecessorID: "y"},
	}

	ids := func(cs []commitment.Commitment) []commitment.CommitmentID {
		out := make([]commitment.CommitmentID, len(cs))
		for i, c := range cs {
			out[i] = c.ID
		}
		return out
	}

	assert.Equal(t, []commitment.CommitmentID{"b", "c"}, ids(commitment.Successors(chain, "a")))
	assert.Equal(t, []commitment.CommitmentID{"c"}, ids(commitment.Successors(chain, "b")))
	assert.Empty(t, commitment.Successors(chain, "c"))
	assert.Empty(t, commitment.Successors(chain, "x"))
	assert.Equal(t, []commitment.CommitmentID{"z"}, ids(commitment.Successors(chain, "y")))
}
