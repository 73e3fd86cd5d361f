/*
scheduler.go - Periodic integrity verification

PURPOSE:
  Walks the store on an interval with commitment.Verify and logs any broken
  invariant (balance cache drift, more than one Active version, a removal
  that did not reach a successor). The last report is served on
  GET /api/admin/verify; POST runs a check immediately.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Only one check runs at a time; RunNow waits for an in-flight one

USAGE:
  scheduler := NewVerificationScheduler(store, logger)
  scheduler.CheckInterval = 15 * time.Minute
  scheduler.Start()
  defer scheduler.Stop()
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commitment-engine/commitment"
)

// VerificationScheduler runs commitment.Verify periodically.
type VerificationScheduler struct {
	Store         commitment.TxStore
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // guards ticker state
	runMu  sync.Mutex // serializes checks

	reportMu sync.RWMutex
	last     *VerificationRun
}

// VerificationRun is one completed check.
type VerificationRun struct {
	StartedAt   time.Time      `json:"started_at"`
	Duration    string         `json:"duration"`
	Customers   int            `json:"customers"`
	Commitments int            `json:"commitments"`
	Violations  []ViolationDTO `json:"violations"`
	Error       string         `json:"error,omitempty"`
}

type ViolationDTO struct {
	Kind         string `json:"kind"`
	CustomerID   string `json:"customer_id"`
	CommitmentID string `json:"commitment_id"`
	Detail       string `json:"detail"`
}

// NewVerificationScheduler creates a scheduler with a one hour interval.
func NewVerificationScheduler(store commitment.TxStore, logger *zap.Logger) *VerificationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationScheduler{
		Store:         store,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the scheduler.
func (vs *VerificationScheduler) Start() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !vs.Enabled || vs.CheckInterval <= 0 {
		vs.logger.Info("verification scheduler disabled")
		return
	}
	if vs.stop != nil {
		return
	}

	vs.stop = make(chan struct{})
	vs.wg.Add(1)
	go vs.loop(vs.stop)

	vs.logger.Info("verification scheduler started", zap.Duration("interval", vs.CheckInterval))
}

// Stop stops the scheduler and waits for a running check to finish.
func (vs *VerificationScheduler) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.stop == nil {
		return
	}
	close(vs.stop)
	vs.wg.Wait()
	vs.stop = nil
	vs.logger.Info("verification scheduler stopped")
}

func (vs *VerificationScheduler) loop(stop <-chan struct{}) {
	defer vs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(vs.CheckInterval)
	defer ticker.Stop()

	vs.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			vs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs a check and records it as the last run. A failed walk is
// recorded with Error set.
func (vs *VerificationScheduler) RunNow(ctx context.Context) VerificationRun {
	run, _ := vs.run(ctx)
	return run
}

func (vs *VerificationScheduler) run(ctx context.Context) (VerificationRun, error) {
	vs.runMu.Lock()
	defer vs.runMu.Unlock()

	start := time.Now()
	report, err := commitment.Verify(ctx, vs.Store, nil)

	run := VerificationRun{
		StartedAt:   start.UTC(),
		Duration:    time.Since(start).String(),
		Customers:   report.Customers,
		Commitments: report.Commitments,
		Violations:  make([]ViolationDTO, len(report.Violations)),
	}
	for i, v := range report.Violations {
		run.Violations[i] = ViolationDTO{
			Kind:         string(v.Kind),
			CustomerID:   string(v.CustomerID),
			CommitmentID: string(v.CommitmentID),
			Detail:       v.Detail,
		}
		vs.logger.Error("invariant violated",
			zap.String("kind", string(v.Kind)),
			zap.String("customer_id", string(v.CustomerID)),
			zap.String("commitment_id", string(v.CommitmentID)),
			zap.String("detail", v.Detail),
		)
	}

	switch {
	case err != nil:
		run.Error = err.Error()
		vs.logger.Error("verification failed", zap.Error(err))
	default:
		vs.logger.Info("verification completed",
			zap.Int("customers", report.Customers),
			zap.Int("commitments", report.Commitments),
			zap.Int("violations", len(report.Violations)),
		)
	}

	vs.reportMu.Lock()
	vs.last = &run
	vs.reportMu.Unlock()
	return run, err
}

// LastRun returns the most recent check, if any.
func (vs *VerificationScheduler) LastRun() (VerificationRun, bool) {
	vs.reportMu.RLock()
	defer vs.reportMu.RUnlock()
	if vs.last == nil {
		return VerificationRun{}, false
	}
	return *vs.last, true
}

// =============================================================================
// HTTP
// =============================================================================

// GetLastRun serves the last report, 404 if no check ran yet.
func (vs *VerificationScheduler) GetLastRun(w http.ResponseWriter, r *http.Request) {
	run, ok := vs.LastRun()
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "No verification has run yet", Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// TriggerRun runs a check now and returns it. A check that could not walk
// the whole store is an error response, not a clean report.
func (vs *VerificationScheduler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := vs.run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Verification did not complete",
			Code:    commitment.Code(err),
			Details: run,
		})
		return
	}
	writeJSON(w, http.StatusOK, run)
}
