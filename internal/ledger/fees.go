package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// secondsPerYear is the denominator for annualized management-fee proration.
const secondsPerYear = 365 * 24 * 60 * 60

// FeeAccrual summarizes one fee operation for persistence.
type FeeAccrual struct {
	Kind   domain.FeeEventKind
	Shares *big.Int
	Base   *big.Int
	At     time.Time
}

// RecordProfitSnapshot accrues the performance fee. Pending fee shares that
// outlived the distribution window are burned first; escrow still inside the
// window is left alone and the snapshot is deferred until it distributes or
// expires. Profit is recomputed as max(0, TVL + totalWithdrawn -
// totalDeposited); when it grew since the last snapshot, fee shares worth
// the fee-adjusted share-equivalent of the delta are minted into escrow,
// vesting per the distribution window. Restricted to the manager role.
func (e *Engine) RecordProfitSnapshot(ctx context.Context, caller common.Address) (*FeeAccrual, error) {
	if err := e.policy.Allow(caller, domain.OpAccrueFees); err != nil {
		return nil, fmt.Errorf("ledger: record profit snapshot: %w", err)
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	now := e.now().UTC()
	if e.pendingFeeShares.Sign() > 0 {
		expired := e.cfg.MaxDistributionWait > 0 &&
			now.Sub(e.pendingFeeMintedAt) > e.cfg.MaxDistributionWait
		if !expired {
			// Escrow is still vesting; accrual resumes once it settles.
			return nil, nil
		}
		e.totalShares.Sub(e.totalShares, e.pendingFeeShares)
		e.logger.InfoContext(ctx, "expired fee escrow burned",
			slog.String("shares", e.pendingFeeShares.String()),
		)
		e.pendingFeeShares = new(big.Int)
		e.pendingFeeMintedAt = time.Time{}
	}

	profit, currentTVL, err := e.currentProfit(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: record profit snapshot: %w", err)
	}

	if profit.Cmp(e.lastProfit) <= 0 {
		e.lastProfit = profit
		return nil, nil
	}

	delta := new(big.Int).Sub(profit, e.lastProfit)
	feeBase := domain.ApplyRate(delta, e.cfg.PerformanceFeeRate)

	var minted *big.Int
	if e.totalShares.Sign() > 0 && currentTVL.Sign() > 0 {
		minted = domain.MulDiv(feeBase, e.totalShares, currentTVL)
	} else {
		minted = new(big.Int)
	}

	if minted.Sign() > 0 {
		e.pendingFeeShares = minted
		e.pendingFeeMintedAt = now
		e.totalShares.Add(e.totalShares, minted)
	}
	e.lastProfit = profit

	e.logger.InfoContext(ctx, "profit snapshot recorded",
		slog.String("profit", profit.String()),
		slog.String("fee_base", feeBase.String()),
		slog.String("fee_shares", minted.String()),
	)
	return &FeeAccrual{
		Kind:   domain.FeeEventPerformance,
		Shares: domain.Clone(minted),
		Base:   feeBase,
		At:     now,
	}, nil
}

// CheckProfitDrop burns the unclaimed pending fee shares when current profit
// fell below the last snapshot, so fees are never kept on profit that
// reversed, and re-bases the snapshot. Restricted to the manager role.
func (e *Engine) CheckProfitDrop(ctx context.Context, caller common.Address) (*FeeAccrual, error) {
	if err := e.policy.Allow(caller, domain.OpAccrueFees); err != nil {
		return nil, fmt.Errorf("ledger: check profit drop: %w", err)
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	profit, _, err := e.currentProfit(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: check profit drop: %w", err)
	}
	if profit.Cmp(e.lastProfit) >= 0 {
		return nil, nil
	}

	burned := domain.Clone(e.pendingFeeShares)
	if burned.Sign() > 0 {
		e.totalShares.Sub(e.totalShares, burned)
	}
	e.pendingFeeShares = new(big.Int)
	e.pendingFeeMintedAt = time.Time{}
	e.lastProfit = profit

	e.logger.WarnContext(ctx, "profit drop detected",
		slog.String("profit", profit.String()),
		slog.String("burned_shares", burned.String()),
	)
	if burned.Sign() == 0 {
		return nil, nil
	}
	return &FeeAccrual{
		Kind:   domain.FeeEventBurned,
		Shares: burned,
		Base:   new(big.Int),
		At:     e.now().UTC(),
	}, nil
}

// DistributeFeeShares moves vested pending fee shares to the fee receiver.
// Distribution is only possible inside the configured waiting window after
// minting; afterwards the escrow is forfeited by the next snapshot.
// Restricted to the manager role.
func (e *Engine) DistributeFeeShares(ctx context.Context, caller common.Address) (*FeeAccrual, error) {
	if err := e.policy.Allow(caller, domain.OpAccrueFees); err != nil {
		return nil, fmt.Errorf("ledger: distribute fee shares: %w", err)
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.pendingFeeShares.Sign() == 0 {
		return nil, fmt.Errorf("ledger: distribute fee shares: %w", domain.ErrNotFound)
	}

	now := e.now().UTC()
	elapsed := now.Sub(e.pendingFeeMintedAt)
	if elapsed < e.cfg.MinDistributionWait {
		return nil, fmt.Errorf("ledger: distribute fee shares: vested in %s: %w",
			e.cfg.MinDistributionWait-elapsed, domain.ErrFeeNotVested)
	}
	if e.cfg.MaxDistributionWait > 0 && elapsed > e.cfg.MaxDistributionWait {
		return nil, fmt.Errorf("ledger: distribute fee shares: %w", domain.ErrFeeWindowClosed)
	}

	distributed := domain.Clone(e.pendingFeeShares)
	// The escrowed shares already count toward the supply; distribution
	// only assigns them to the receiver.
	e.balanceOf(e.cfg.FeeReceiver).Add(e.balanceOf(e.cfg.FeeReceiver), distributed)
	e.pendingFeeShares = new(big.Int)
	e.pendingFeeMintedAt = time.Time{}

	e.logger.InfoContext(ctx, "fee shares distributed",
		slog.String("receiver", e.cfg.FeeReceiver.Hex()),
		slog.String("shares", distributed.String()),
	)
	return &FeeAccrual{
		Kind:   domain.FeeEventPerformance,
		Shares: distributed,
		Base:   new(big.Int),
		At:     now,
	}, nil
}

// CollectManagementFee mints the time-prorated management fee to the
// management receiver. A no-op when less than one accrual period has
// elapsed since the previous collection. Restricted to the manager role.
func (e *Engine) CollectManagementFee(ctx context.Context, caller common.Address) (*FeeAccrual, error) {
	if err := e.policy.Allow(caller, domain.OpAccrueFees); err != nil {
		return nil, fmt.Errorf("ledger: collect management fee: %w", err)
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	now := e.now().UTC()
	if e.lastMgmtAccrual.IsZero() {
		// First call only starts the clock.
		e.lastMgmtAccrual = now
		return nil, nil
	}
	elapsed := now.Sub(e.lastMgmtAccrual)
	if elapsed < e.cfg.ManagementAccrualPeriod {
		return nil, nil
	}

	// Fee base excludes shares the receiver already holds, so the fee does
	// not compound on itself.
	base := new(big.Int).Sub(e.totalShares, domain.Clone(e.balances[e.cfg.ManagementFeeReceiver]))
	base = domain.ClampZero(base)

	minted := domain.ApplyRate(base, e.cfg.ManagementFeeRate)
	minted = domain.MulDiv(minted, big.NewInt(int64(elapsed/time.Second)), big.NewInt(secondsPerYear))
	e.lastMgmtAccrual = now
	if minted.Sign() == 0 {
		return nil, nil
	}

	e.mint(e.cfg.ManagementFeeReceiver, minted)

	e.logger.InfoContext(ctx, "management fee collected",
		slog.String("receiver", e.cfg.ManagementFeeReceiver.Hex()),
		slog.String("shares", minted.String()),
		slog.Duration("elapsed", elapsed),
	)
	return &FeeAccrual{
		Kind:   domain.FeeEventManagement,
		Shares: minted,
		Base:   new(big.Int),
		At:     now,
	}, nil
}

// WithdrawFeeAccrued returns the base-asset withdrawal fees retained in the
// vault for the fee receiver.
func (e *Engine) WithdrawFeeAccrued() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Clone(e.withdrawFeeAccrued)
}

// currentProfit computes max(0, TVL + totalWithdrawn - totalDeposited) and
// the TVL it was derived from. Caller holds the lock.
func (e *Engine) currentProfit(ctx context.Context) (*big.Int, *big.Int, error) {
	currentTVL, err := e.totalTVL(ctx)
	if err != nil {
		return nil, nil, err
	}
	profit := new(big.Int).Add(currentTVL, e.totalWithdrawn)
	profit.Sub(profit, e.totalDeposited)
	return domain.ClampZero(profit), currentTVL, nil
}
