package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// EnqueueDeposit appends a deposit request for receiver. The amount is
// credited to the engine's liquid balance but excluded from TVL until the
// request executes. Returns the queued request.
func (e *Engine) EnqueueDeposit(ctx context.Context, receiver common.Address, amount *big.Int) (domain.DepositRequest, error) {
	if err := e.lock(); err != nil {
		return domain.DepositRequest{}, err
	}
	defer e.mu.Unlock()

	if e.paused {
		return domain.DepositRequest{}, fmt.Errorf("ledger: enqueue deposit: %w", domain.ErrPaused)
	}
	if domain.IsZero(amount) {
		return domain.DepositRequest{}, fmt.Errorf("ledger: enqueue deposit: %w", domain.ErrZeroAmount)
	}
	if e.cfg.DepositCapPerTx != nil && amount.Cmp(e.cfg.DepositCapPerTx) > 0 {
		return domain.DepositRequest{}, fmt.Errorf("ledger: enqueue deposit: amount %s over per-tx cap %s: %w",
			amount, e.cfg.DepositCapPerTx, domain.ErrDepositCapExceeded)
	}
	if e.cfg.DepositCapTotal != nil {
		current, err := e.totalTVL(ctx)
		if err != nil {
			return domain.DepositRequest{}, fmt.Errorf("ledger: enqueue deposit: %w", err)
		}
		// TVL excludes queued deposits, so they are added back: requests
		// already in the queue count toward the cap before they execute.
		projected := new(big.Int).Add(current, e.awaitingDeposit)
		projected.Add(projected, amount)
		if projected.Cmp(e.cfg.DepositCapTotal) > 0 {
			return domain.DepositRequest{}, fmt.Errorf("ledger: enqueue deposit: tvl %s + queued %s + %s over cap %s: %w",
				current, e.awaitingDeposit, amount, e.cfg.DepositCapTotal, domain.ErrDepositCapExceeded)
		}
	}

	req := domain.DepositRequest{
		Receiver:   receiver,
		BaseAmount: domain.Clone(amount),
		Shares:     new(big.Int),
		RecordedAt: e.now().UTC(),
	}
	req.Seq = e.deposits.push(&req)

	e.liquid.Add(e.liquid, amount)
	e.awaitingDeposit.Add(e.awaitingDeposit, amount)

	e.logger.InfoContext(ctx, "deposit enqueued",
		slog.Uint64("seq", req.Seq),
		slog.String("receiver", receiver.Hex()),
		slog.String("amount", amount.String()),
	)
	return req, nil
}

// ValuateDeposits prices up to maxCount queued deposits against the current
// NAV. A deposit is only priced once every holding position has been
// revalued at least as recently as the deposit's record time; this stops a
// request from being settled against stale collateral data. Restricted to
// the manager role. Returns the valuated requests.
func (e *Engine) ValuateDeposits(ctx context.Context, caller common.Address, maxCount int) ([]domain.DepositRequest, error) {
	if err := e.policy.Allow(caller, domain.OpValuate); err != nil {
		return nil, fmt.Errorf("ledger: valuate deposits: %w", err)
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.paused {
		return nil, fmt.Errorf("ledger: valuate deposits: %w", domain.ErrPaused)
	}

	now := e.now().UTC()
	anchor := e.tvl.LatestUpdateTime(now)

	currentTVL, err := e.totalTVL(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: valuate deposits: %w", err)
	}

	var valuated []domain.DepositRequest
	for count := 0; count < maxCount && e.deposits.middle < e.deposits.last; count++ {
		req := e.deposits.at(e.deposits.middle)
		if req.RecordedAt.After(anchor) {
			break
		}

		if e.totalShares.Sign() == 0 {
			// First depositor receives shares 1:1.
			req.Shares = domain.Clone(req.BaseAmount)
		} else {
			if currentTVL.Sign() == 0 {
				return valuated, fmt.Errorf("ledger: valuate deposit %d: zero tvl with %s shares outstanding: %w",
					req.Seq, e.totalShares, domain.ErrNoPriceAvailable)
			}
			req.Shares = domain.MulDiv(req.BaseAmount, e.totalShares, currentTVL)
		}
		req.CalculatedAt = now
		e.deposits.advanceMiddle()
		valuated = append(valuated, *req)
	}

	if len(valuated) > 0 {
		e.logger.InfoContext(ctx, "deposits valuated",
			slog.Int("count", len(valuated)),
			slog.String("tvl", currentTVL.String()),
			slog.Uint64("middle", e.deposits.middle),
		)
	}
	return valuated, nil
}

// ExecuteDeposits mints shares for up to maxCount matured deposits and, when
// a connector address is supplied, forwards the batch total to it for
// investment. A deposit matures DepositDelay after its valuation.
//
// The matured entries are collected first, the connector call-out (if any)
// happens second, and the ledger mutations commit last, so a connector
// failure leaves no partial effects. Restricted to the manager role.
// Returns the executed batch, nil when nothing matured.
func (e *Engine) ExecuteDeposits(
	ctx context.Context,
	caller common.Address,
	maxCount int,
	connector common.Address,
	routing []byte,
) (*domain.SettlementBatch, error) {
	if err := e.policy.Allow(caller, domain.OpExecute); err != nil {
		return nil, fmt.Errorf("ledger: execute deposits: %w", err)
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.paused {
		return nil, fmt.Errorf("ledger: execute deposits: %w", domain.ErrPaused)
	}

	now := e.now().UTC()
	firstSeq := e.deposits.first

	// Collect the matured prefix without mutating anything yet.
	var matured []*domain.DepositRequest
	batchBase := new(big.Int)
	batchShares := new(big.Int)
	for seq := e.deposits.first; len(matured) < maxCount && seq < e.deposits.middle; seq++ {
		req := e.deposits.at(seq)
		if req.CalculatedAt.Add(e.cfg.DepositDelay).After(now) {
			break
		}
		matured = append(matured, req)
		batchBase.Add(batchBase, req.BaseAmount)
		batchShares.Add(batchShares, req.Shares)
	}
	if len(matured) == 0 {
		return nil, nil
	}

	// External call-out before any ledger mutation. The in-progress flag
	// keeps the collected prefix stable.
	accepted := new(big.Int)
	if connector != (common.Address{}) {
		conn, err := e.registry.Connector(connector)
		if err != nil {
			return nil, fmt.Errorf("ledger: execute deposits: forward to %s: %w", connector, err)
		}
		callErr := e.callOut(func() error {
			var ferr error
			accepted, ferr = conn.AcceptFunds(ctx, e.cfg.BaseAsset, domain.Clone(batchBase), routing)
			return ferr
		})
		if callErr != nil {
			return nil, fmt.Errorf("ledger: execute deposits: forward to %s: %w", connector, callErr)
		}
		if accepted.Cmp(batchBase) > 0 {
			return nil, fmt.Errorf("ledger: execute deposits: connector %s accepted %s of %s: %w",
				connector, accepted, batchBase, domain.ErrTransferShortfall)
		}
	}

	// Commit.
	for _, req := range matured {
		e.mint(req.Receiver, req.Shares)
		e.deposits.pop()
	}
	e.awaitingDeposit.Sub(e.awaitingDeposit, batchBase)
	e.totalDeposited.Add(e.totalDeposited, batchBase)
	e.liquid.Sub(e.liquid, accepted)

	batch := &domain.SettlementBatch{
		Kind:        domain.RequestKindDeposit,
		FirstSeq:    firstSeq,
		LastSeq:     e.deposits.first,
		Count:       len(matured),
		TotalBase:   batchBase,
		TotalShares: batchShares,
		ExecutedAt:  now,
	}
	e.logger.InfoContext(ctx, "deposits executed",
		slog.Int("count", len(matured)),
		slog.String("base", batchBase.String()),
		slog.String("shares", batchShares.String()),
	)
	return batch, nil
}
