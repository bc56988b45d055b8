// Package sweeper periodically resolves withdrawals stuck in processing.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the sweep every minute.
const DefaultSchedule = "@every 1m"

// Expirer is the ledger operation the sweeper drives.
type Expirer interface {
	ExpireStaleWithdrawals(ctx context.Context) (int, error)
}

// Sweeper runs Expirer on a cron schedule.
type Sweeper struct {
	cron    *cron.Cron
	expirer Expirer
	logger  *zap.Logger
	timeout time.Duration
}

// New parses schedule and registers the sweep job. Each run is bounded by timeout.
func New(expirer Expirer, schedule string, timeout time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if expirer == nil {
		return nil, fmt.Errorf("sweeper: expirer is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	sweeper := &Sweeper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		expirer: expirer,
		logger:  logger,
		timeout: timeout,
	}
	if _, err := sweeper.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweeper.timeout)
		defer cancel()
		_, _ = sweeper.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("sweeper schedule %q: %w", schedule, err)
	}
	return sweeper, nil
}

// RunOnce performs a single sweep.
func (sweeper *Sweeper) RunOnce(ctx context.Context) (int, error) {
	resolved, err := sweeper.expirer.ExpireStaleWithdrawals(ctx)
	if err != nil {
		sweeper.logger.Error("withdrawal sweep failed", zap.Int("resolved", resolved), zap.Error(err))
		return resolved, err
	}
	if resolved > 0 {
		sweeper.logger.Info("resolved stale withdrawals", zap.Int("resolved", resolved))
	}
	return resolved, nil
}

// Start begins scheduling in the background.
func (sweeper *Sweeper) Start() {
	sweeper.cron.Start()
}

// Stop halts scheduling and waits for a running sweep or ctx, whichever ends first.
func (sweeper *Sweeper) Stop(ctx context.Context) {
	stopped := sweeper.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}
