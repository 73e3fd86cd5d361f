package commitment_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/commitment-engine/commitment"
)

func TestValidToFor(t *testing.T) {
	cet := time.FixedZone("CET", 3600)
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{date(2024, time.January, 1), time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC)},
		{date(2024, time.March, 14), time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC)},
		{time.Date(2023, time.December, 31, 23, 59, 59, 999, time.UTC), time.Date(2023, time.December, 31, 23, 59, 59, 0, time.UTC)},
		{time.Date(2025, time.June, 1, 8, 0, 0, 0, cet), time.Date(2025, time.December, 31, 23, 59, 59, 0, cet)},
	}
	for _, tt := range tests {
		assert.True(t, tt.want.Equal(commitment.ValidToFor(tt.in)), "ValidToFor(%s)", tt.in)
	}
}

func TestIsActive(t *testing.T) {
	c := commitment.Commitment{
		Status:    commitment.StatusActive,
		ValidFrom: date(2025, time.March, 1),
		ValidTo:   commitment.ValidToFor(date(2025, time.March, 1)),
	}
	withdrawn := c
	withdrawn.Status = commitment.StatusWithdrawn

	tests := []struct {
		name string
		c    commitment.Commitment
		now  time.Time
		want bool
	}{
		{"inside window", c, date(2025, time.July, 1), true},
		{"at valid_from", c, date(2025, time.March, 1), true},
		{"at valid_to", c, c.ValidTo, true},
		{"before window", c, date(2025, time.February, 28), false},
		{"after window", c, c.ValidTo.Add(time.Second), false},
		{"withdrawn inside window", withdrawn, date(2025, time.July, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, commitment.IsActive(tt.c, tt.now))
		})
	}
}

func TestBalance_IgnoresRemoved(t *testing.T) {
	log := []commitment.PurchaseEntry{
		{ID: "a", Amount: dec("10.10")},
		{ID: "b", Amount: dec("5"), Removed: true},
		{ID: "c", Amount: dec("0.90")},
	}
	assert.True(t, commitment.Balance(log).Equal(dec("11")))
	assert.True(t, commitment.Balance(nil).IsZero())

	c := commitment.Commitment{PurchaseLog: log, Balance: dec("16")}
	assert.False(t, c.BalanceConsistent())
	c.Recompute()
	assert.True(t, c.BalanceConsistent())
}

func TestClone_DoesNotAliasLog(t *testing.T) {
	c := commitment.Commitment{PurchaseLog: []commitment.PurchaseEntry{{ID: "a", Amount: dec("1")}}}
	cp := c.Clone()
	cp.PurchaseLog[0].Removed = true
	assert.False(t, c.PurchaseLog[0].Removed)
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&commitment.DiscountError{Percent: 9}, "invalid_discount_percentage"},
		{fmt.Errorf("%w: x", commitment.ErrCommitmentNotFound), "commitment_not_found"},
		{&commitment.InactiveError{CommitmentID: "c", Status: commitment.StatusWithdrawn}, "inactive_commitment"},
		{commitment.ErrActiveCommitmentRemovalForbidden, "active_commitment_removal_forbidden"},
		{&commitment.PersistenceError{Op: "save", Err: errors.New("boom")}, "persistence_error"},
		{&commitment.PersistenceError{Op: "save", Err: commitment.ErrConcurrentModification}, "concurrent_modification"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, commitment.Code(tt.err), "%v", tt.err)
		if tt.code != "internal" {
			assert.ErrorIs(t, tt.err, commitment.ErrorForCode(tt.code))
		}
	}
	assert.Nil(t, commitment.ErrorForCode("nope"))
}
