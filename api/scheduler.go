/*
scheduler.go - Automated monthly settlement

PURPOSE:
  Periodically settles every credit profile whose next settlement date has
  arrived, so balances are restored and deductions handed to the payment
  side without an operator pressing a button.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A profile is due when its next settlement date is today or earlier
    and it has not already been settled today (credit.SettlementDue)
  - Due farmers are settled in parallel, bounded by Concurrency
  - Each attempt is retried on contention and recorded in the run log
    under the id settle:{farmer}:{day}, so a repeated sweep overwrites
    rather than duplicates

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Concurrency: Farmers settled at once (default: 8)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSettlementScheduler(engine, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSettlements endpoint (manual trigger)
  - credit/engine.go: PerformMonthlySettlement
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/dairycoop/credit-engine/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultSettlementApprover = "system:settlement"

// SettlementScheduler settles due credit profiles.
type SettlementScheduler struct {
	Engine        *credit.Engine
	Store         credit.Store
	Runs          credit.RunLog // optional
	CheckInterval time.Duration
	Concurrency   int
	Enabled       bool
	Approver      string
	Retry         credit.RetryPolicy
	Logger        *logrus.Logger
	Clock         func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	sweep  sync.Mutex
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Due       int
	Completed int
	Failed    int
	Runs      []credit.SettlementRun
}

// NewSettlementScheduler creates a scheduler. The run log is used when
// store implements credit.RunLog.
func NewSettlementScheduler(engine *credit.Engine, store credit.Store, logger *logrus.Logger) *SettlementScheduler {
	runs, _ := store.(credit.RunLog)
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SettlementScheduler{
		Engine:        engine,
		Store:         store,
		Runs:          runs,
		CheckInterval: time.Hour,
		Concurrency:   8,
		Enabled:       true,
		Approver:      DefaultSettlementApprover,
		Retry:         credit.DefaultRetryPolicy(),
		Logger:        logger,
		Clock:         time.Now,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *SettlementScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("settlement scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Logger.WithField("check_interval", s.CheckInterval.String()).Info("settlement scheduler started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *SettlementScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("settlement scheduler stopped")
	}
}

func (s *SettlementScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.checkAndProcess(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *SettlementScheduler) checkAndProcess(ctx context.Context) {
	result, err := s.RunNow(ctx)
	if err != nil {
		s.Logger.WithError(err).Error("settlement sweep failed")
		return
	}
	if result.Due > 0 {
		s.Logger.WithFields(logrus.Fields{
			"due":       result.Due,
			"completed": result.Completed,
			"failed":    result.Failed,
		}).Info("settlement sweep completed")
	}
}

// RunNow settles every due profile. Sweeps never overlap.
func (s *SettlementScheduler) RunNow(ctx context.Context) (*SweepResult, error) {
	s.sweep.Lock()
	defer s.sweep.Unlock()

	now := s.Clock().UTC()
	profiles, err := s.Store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit profiles: %w", err)
	}

	var due []credit.FarmerID
	for i := range profiles {
		if credit.SettlementDue(&profiles[i], now) {
			due = append(due, profiles[i].FarmerID)
		}
	}

	result := s.settleAll(ctx, due, now)
	metrics.SettlementLastRun.SetToCurrentTime()
	return result, nil
}

// SettleFarmers settles the named farmers now, whether or not they are due.
func (s *SettlementScheduler) SettleFarmers(ctx context.Context, farmerIDs []credit.FarmerID) *SweepResult {
	s.sweep.Lock()
	defer s.sweep.Unlock()
	return s.settleAll(ctx, farmerIDs, s.Clock().UTC())
}

func (s *SettlementScheduler) settleAll(ctx context.Context, farmerIDs []credit.FarmerID, now time.Time) *SweepResult {
	result := &SweepResult{
		Due:  len(farmerIDs),
		Runs: make([]credit.SettlementRun, len(farmerIDs)),
	}

	limit := s.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, farmerID := range farmerIDs {
		i, farmerID := i, farmerID
		g.Go(func() error {
			// A failed farmer never cancels the others.
			result.Runs[i] = s.settleOne(gctx, farmerID, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, run := range result.Runs {
		switch run.Status {
		case credit.RunCompleted:
			result.Completed++
		case credit.RunFailed:
			result.Failed++
		}
	}
	return result
}

func (s *SettlementScheduler) settleOne(ctx context.Context, farmerID credit.FarmerID, now time.Time) credit.SettlementRun {
	day := credit.DateOf(now)
	run := credit.SettlementRun{
		ID:            SettlementRunID(farmerID, day),
		FarmerID:      farmerID,
		SettlementDay: day,
		Status:        credit.RunRunning,
		StartedAt:     s.Clock().UTC(),
	}
	s.record(ctx, run)

	res, err := credit.WithRetry(ctx, s.Retry, func(ctx context.Context) (*credit.Result, error) {
		return s.Engine.PerformMonthlySettlement(ctx, farmerID, s.Approver)
	})

	completed := s.Clock().UTC()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = credit.RunFailed
		run.Error = err.Error()
		s.Logger.WithFields(logrus.Fields{"farmer_id": farmerID, "error": err.Error()}).Warn("scheduled settlement failed")
	} else {
		run.Status = credit.RunCompleted
		run.TransactionID = res.Transaction.ID
	}
	metrics.SettlementRuns.WithLabelValues(string(run.Status)).Inc()
	s.record(context.WithoutCancel(ctx), run)
	return run
}

func (s *SettlementScheduler) record(ctx context.Context, run credit.SettlementRun) {
	if s.Runs == nil {
		return
	}
	if err := s.Runs.SaveSettlementRun(ctx, run); err != nil {
		s.Logger.WithFields(logrus.Fields{"run_id": run.ID, "error": err.Error()}).Warn("failed to record settlement run")
	}
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *SettlementScheduler) GetNextRunTime() time.Time {
	return s.Clock().Add(s.CheckInterval)
}

// SettlementRunID is the run-log key of a farmer's settlement on day.
func SettlementRunID(farmerID credit.FarmerID, day time.Time) string {
	return fmt.Sprintf("settle:%s:%s", farmerID, day.UTC().Format(dateLayout))
}
