// Package scheduler drives the settlement engine on timers: valuation,
// execution, fee accrual, and cold-storage archival each run as their own
// loop. Every cycle takes a distributed lock first so that at most one
// scheduler instance drives the vault.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/vaultd/internal/config"
	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/notify"
	"github.com/alanyoungcy/vaultd/internal/service"
)

// Scheduler coordinates the settlement loops.
type Scheduler struct {
	settlement *service.SettlementService
	archiver   domain.Archiver    // optional
	locks      domain.LockManager // optional; nil runs unlocked
	notifier   *notify.Notifier   // optional
	cfg        config.SchedulerConfig

	// forwardTo receives executed deposit batches. The zero address keeps
	// deposits in the engine's liquid balance.
	forwardTo common.Address

	logger *slog.Logger
}

// New creates a Scheduler.
func New(
	settlement *service.SettlementService,
	archiver domain.Archiver,
	locks domain.LockManager,
	notifier *notify.Notifier,
	cfg config.SchedulerConfig,
	forwardTo common.Address,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		settlement: settlement,
		archiver:   archiver,
		locks:      locks,
		notifier:   notifier,
		cfg:        cfg,
		forwardTo:  forwardTo,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// Run starts all loops as concurrent goroutines using an errgroup. Each loop
// respects ctx cancellation; a non-context error from any loop cancels the
// shared context and Run returns it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		slog.Duration("valuation_interval", s.cfg.ValuationInterval.Duration),
		slog.Duration("execution_interval", s.cfg.ExecutionInterval.Duration),
		slog.Duration("fee_interval", s.cfg.FeeInterval.Duration),
		slog.Int("batch_size", s.cfg.BatchSize),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.loop(ctx, "valuation", s.cfg.ValuationInterval.Duration, s.runValuation)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("valuation loop: %w", err)
	})

	g.Go(func() error {
		err := s.loop(ctx, "execution", s.cfg.ExecutionInterval.Duration, s.runExecution)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("execution loop: %w", err)
	})

	g.Go(func() error {
		err := s.loop(ctx, "fees", s.cfg.FeeInterval.Duration, s.runFees)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("fee loop: %w", err)
	})

	if s.archiver != nil && s.cfg.ArchiveInterval.Duration > 0 {
		g.Go(func() error {
			err := s.loop(ctx, "archive", s.cfg.ArchiveInterval.Duration, s.runArchive)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archive loop: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		s.logger.Error("scheduler stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("scheduler stopped cleanly")
	return nil
}

// loop runs fn on a ticker under a distributed lock until ctx is cancelled.
// A cycle failure is logged and notified but does not stop the loop; only
// context cancellation ends it.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("loop stopped", slog.String("loop", name))
			return ctx.Err()
		case <-ticker.C:
			if err := s.withLock(ctx, name, fn); err != nil {
				s.logger.Error("cycle failed",
					slog.String("loop", name),
					slog.String("error", err.Error()),
				)
				s.notify(ctx, notify.EventError, "Settlement cycle failed",
					fmt.Sprintf("%s cycle: %v", name, err))
			}
		}
	}
}

// withLock runs fn under the loop's distributed lock. A lock held elsewhere
// means another instance is driving this cycle; that is not an error.
func (s *Scheduler) withLock(ctx context.Context, name string, fn func(context.Context) error) error {
	if s.locks == nil {
		return fn(ctx)
	}
	unlock, err := s.locks.Acquire(ctx, "scheduler:"+name, s.cfg.LockTTL.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.Debug("cycle skipped, lock held", slog.String("loop", name))
			return nil
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer unlock()
	return fn(ctx)
}

// runValuation prices queued deposits and withdraws. An active withdraw
// group blocks withdraw valuation; that is a skip, not a failure.
func (s *Scheduler) runValuation(ctx context.Context) error {
	if _, err := s.settlement.ValuateDeposits(ctx, s.cfg.BatchSize); err != nil {
		if errors.Is(err, domain.ErrPaused) {
			return nil
		}
		return fmt.Errorf("valuate deposits: %w", err)
	}
	if _, err := s.settlement.ValuateWithdraws(ctx, s.cfg.BatchSize); err != nil {
		if errors.Is(err, domain.ErrPaused) || errors.Is(err, domain.ErrGroupActive) {
			return nil
		}
		return fmt.Errorf("valuate withdraws: %w", err)
	}
	return nil
}

// runExecution executes matured deposits and drives the withdraw group
// through start, funding, fulfillment, and payout.
func (s *Scheduler) runExecution(ctx context.Context) error {
	batch, err := s.settlement.ExecuteDeposits(ctx, s.cfg.BatchSize, s.forwardTo, nil)
	if err != nil {
		if errors.Is(err, domain.ErrPaused) {
			return nil
		}
		return fmt.Errorf("execute deposits: %w", err)
	}
	if batch != nil {
		s.notify(ctx, notify.EventBatchExecuted, "Deposits settled",
			fmt.Sprintf("%d deposit(s), %s base, %s shares",
				batch.Count, batch.TotalBase, batch.TotalShares))
	}
	return s.driveWithdrawGroup(ctx)
}

func (s *Scheduler) driveWithdrawGroup(ctx context.Context) error {
	group := s.settlement.Group()

	// Open the accumulated claim batch. An empty group is never started:
	// it has nothing to drain and would block further valuation.
	if !group.Started {
		if domain.IsZero(group.TotalClaim) {
			return nil
		}
		if err := s.settlement.StartWithdrawGroup(ctx); err != nil {
			return fmt.Errorf("start withdraw group: %w", err)
		}
		group = s.settlement.Group()
	}

	if !group.Fulfilled {
		if plan := s.settlement.PlanRetrieval(ctx); len(plan) > 0 {
			if _, err := s.settlement.RetrieveAssets(ctx, plan); err != nil {
				return fmt.Errorf("retrieve assets: %w", err)
			}
		}
		if err := s.settlement.FulfillWithdrawGroup(ctx); err != nil {
			if errors.Is(err, domain.ErrGroupShortfall) {
				// Funding incomplete; retry next cycle.
				return nil
			}
			return fmt.Errorf("fulfill withdraw group: %w", err)
		}
		fulfilled := s.settlement.Group()
		if fulfilled.TotalAvailable.Cmp(fulfilled.TotalClaim) < 0 {
			s.notify(ctx, notify.EventGroupShortfall, "Withdraw group shortfall",
				fmt.Sprintf("claim %s, available %s", fulfilled.TotalClaim, fulfilled.TotalAvailable))
		}
	}

	payouts, batch, err := s.settlement.ExecuteWithdraws(ctx, s.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, domain.ErrPaused) || errors.Is(err, domain.ErrGroupNotFulfilled) {
			return nil
		}
		return fmt.Errorf("execute withdraws: %w", err)
	}
	if batch != nil {
		s.logger.Info("withdraw payouts executed", slog.Int("count", len(payouts)))
		s.notify(ctx, notify.EventBatchExecuted, "Withdraws settled",
			fmt.Sprintf("%d withdraw(s), %s base paid out", batch.Count, batch.TotalBase))
	}
	return nil
}

func (s *Scheduler) runFees(ctx context.Context) error {
	if err := s.settlement.RunFeeCycle(ctx); err != nil {
		if errors.Is(err, domain.ErrPaused) {
			return nil
		}
		return fmt.Errorf("fee cycle: %w", err)
	}
	return nil
}

func (s *Scheduler) runArchive(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.ArchiveRetentionDays) * 24 * time.Hour)
	s.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", s.cfg.ArchiveRetentionDays),
	)

	requests, err := s.archiver.ArchiveRequests(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive requests before %v: %w", cutoff, err)
	}
	batches, err := s.archiver.ArchiveBatches(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive batches before %v: %w", cutoff, err)
	}
	fees, err := s.archiver.ArchiveFeeEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive fee events before %v: %w", cutoff, err)
	}

	s.logger.Info("archive run complete",
		slog.Int64("requests", requests),
		slog.Int64("batches", batches),
		slog.Int64("fee_events", fees),
	)
	return nil
}

func (s *Scheduler) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.Warn("notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
