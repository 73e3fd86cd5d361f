package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commitment-engine/commitment"
	"github.com/warp/commitment-engine/commitment/store"
)

func TestVerificationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.h.Verifier = NewVerificationScheduler(ts.mem, nil)
	ts.router = NewRouter(ts.h, nil, nil)
	v1 := ts.createCommitment(t, "cust-1", `{"target_amount":"1000","discount_percent":5}`)
	ts.addPurchase(t, v1.ID, `{"purchase_id":"p1","amount":"100"}`)

	// GIVEN: No check has run yet
	assertError(t, ts.do(t, http.MethodGet, "/api/admin/verify", ""), http.StatusNotFound, "not_found")

	// WHEN: A check is triggered on a clean store
	rec := ts.do(t, http.MethodPost, "/api/admin/verify", "")

	// THEN: The report is clean and becomes the last run
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeAs[VerificationRun](t, rec)
	assert.Equal(t, 1, run.Customers)
	assert.Equal(t, 1, run.Commitments)
	assert.Empty(t, run.Violations)
	assert.Empty(t, run.Error)

	rec = ts.do(t, http.MethodGet, "/api/admin/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.StartedAt, decodeAs[VerificationRun](t, rec).StartedAt)
}

func TestVerificationScheduler_ReportsCorruption(t *testing.T) {
	ts := newTestServer(t)
	v1 := ts.createCommitment(t, "cust-1", `{"target_amount":"1000","discount_percent":5}`)
	ts.addPurchase(t, v1.ID, `{"purchase_id":"p1","amount":"100"}`)

	// GIVEN: A cached balance that no longer matches the log
	ctx := context.Background()
	c, err := ts.mem.GetCommitment(ctx, commitment.CommitmentID(v1.ID))
	require.NoError(t, err)
	c.Balance = decimal.NewFromInt(999)
	require.NoError(t, ts.mem.SaveCommitment(ctx, c))

	// WHEN
	run := NewVerificationScheduler(ts.mem, nil).RunNow(ctx)

	// THEN
	require.Len(t, run.Violations, 1)
	assert.Equal(t, string(commitment.ViolationBalance), run.Violations[0].Kind)
	assert.Equal(t, v1.ID, run.Violations[0].CommitmentID)
}

func TestVerificationScheduler_StartStop(t *testing.T) {
	ts := newTestServer(t)
	ts.createCommitment(t, "cust-1", `{"target_amount":"10","discount_percent":0}`)

	vs := NewVerificationScheduler(ts.mem, nil)
	vs.CheckInterval = time.Hour
	vs.Start()
	vs.Start()

	require.Eventually(t, func() bool {
		_, ok := vs.LastRun()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	vs.Stop()
	vs.Stop()

	run, ok := vs.LastRun()
	require.True(t, ok)
	assert.Equal(t, 1, run.Customers)
}

func TestVerificationScheduler_Disabled(t *testing.T) {
	ts := newTestServer(t)
	vs := NewVerificationScheduler(ts.mem, nil)
	vs.Enabled = false

	vs.Start()
	vs.Stop()

	_, ok := vs.LastRun()
	assert.False(t, ok)
}

// unlistableStore cannot enumerate customers.
type unlistableStore struct {
	*store.Memory
}

func (unlistableStore) CustomerIDs(context.Context) ([]commitment.CustomerID, error) {
	return nil, errors.New("disk on fire")
}

func TestVerificationEndpoints_FailedRunIsAnError(t *testing.T) {
	ts := newTestServer(t)
	ts.h.Verifier = NewVerificationScheduler(unlistableStore{ts.mem}, nil)
	ts.router = NewRouter(ts.h, nil, nil)

	// WHEN: A check is triggered but the store cannot be walked
	rec := ts.do(t, http.MethodPost, "/api/admin/verify", "")

	// THEN: The response is an error, not an empty clean report
	assertError(t, rec, http.StatusInternalServerError, "persistence_error")

	// AND: The failure is still recorded as the last run
	rec = ts.do(t, http.MethodGet, "/api/admin/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	last := decodeAs[VerificationRun](t, rec)
	assert.Contains(t, last.Error, "disk on fire")
	assert.Zero(t, last.Customers)
}
