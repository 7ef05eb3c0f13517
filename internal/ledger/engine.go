// Package ledger implements the settlement engine: the authoritative share
// ledger with FIFO deposit/withdraw queues, batched valuation at a delayed
// oracle-derived NAV, withdraw-group funding, and fee accrual.
//
// The engine executes as a sequence of atomic, serialized operations. Every
// public method either commits all of its state mutations or fails with none
// of them applied. External connector call-outs happen with the in-progress
// flag raised so that any re-entry into the engine fails instead of
// observing intermediate state.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/registry"
	"github.com/alanyoungcy/vaultd/internal/tvl"
)

// Config holds the engine's settlement parameters. Fee rates are fixed-point
// with domain.FeePrecision (1e6) denominators.
type Config struct {
	BaseAsset common.Address

	// Deposit caps. A nil cap means unlimited.
	DepositCapPerTx *big.Int
	DepositCapTotal *big.Int

	// Cooperative scheduling gates between valuation and execution.
	DepositDelay  time.Duration
	WithdrawDelay time.Duration

	WithdrawFeeRate    int64
	PerformanceFeeRate int64
	ManagementFeeRate  int64 // annualized

	FeeReceiver           common.Address
	ManagementFeeReceiver common.Address

	// Management fee accrues at most once per period.
	ManagementAccrualPeriod time.Duration

	// Pending performance-fee shares vest after MinDistributionWait and are
	// forfeited after MaxDistributionWait.
	MinDistributionWait time.Duration
	MaxDistributionWait time.Duration

	// Minimum price sources for oracle quotes served through the engine.
	MinOracleSources int
}

// Payout describes one executed withdraw payment.
type Payout struct {
	Seq      uint64
	Receiver common.Address
	Amount   *big.Int
	Fee      *big.Int
}

// RetrievalRequest asks one connector to return base assets toward the
// active withdraw group.
type RetrievalRequest struct {
	Connector common.Address
	Amount    *big.Int
}

// Engine is the settlement engine for a single vault.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	policy   domain.AccessPolicy
	registry *registry.Registry
	tvl      *tvl.Aggregator
	oracle   domain.ValueOracle
	logger   *slog.Logger
	now      func() time.Time

	paused  bool
	entered bool // in-progress flag raised around connector call-outs

	totalShares *big.Int
	balances    map[common.Address]*big.Int
	locked      map[common.Address]*big.Int // shares reserved by queued withdraws

	liquid           *big.Int // base-asset balance held by the engine
	awaitingDeposit  *big.Int // enqueued but unexecuted deposit total, excluded from TVL
	askedForWithdraw *big.Int // cumulative retrieval toward the active group
	strays           map[common.Address]*big.Int

	deposits  *entryQueue[domain.DepositRequest]
	withdraws *entryQueue[domain.WithdrawRequest]
	group     domain.WithdrawGroup

	// Fee accounting.
	totalDeposited     *big.Int
	totalWithdrawn     *big.Int
	lastProfit         *big.Int
	pendingFeeShares   *big.Int // minted into escrow, counted in totalShares
	pendingFeeMintedAt time.Time
	lastMgmtAccrual    time.Time
	withdrawFeeAccrued *big.Int
}

// NewEngine creates an Engine over the given registry and aggregator.
func NewEngine(
	cfg Config,
	policy domain.AccessPolicy,
	reg *registry.Registry,
	agg *tvl.Aggregator,
	oracle domain.ValueOracle,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:                cfg,
		policy:             policy,
		registry:           reg,
		tvl:                agg,
		oracle:             oracle,
		logger:             logger.With(slog.String("component", "ledger")),
		now:                time.Now,
		totalShares:        new(big.Int),
		balances:           make(map[common.Address]*big.Int),
		locked:             make(map[common.Address]*big.Int),
		liquid:             new(big.Int),
		awaitingDeposit:    new(big.Int),
		askedForWithdraw:   new(big.Int),
		strays:             make(map[common.Address]*big.Int),
		deposits:           newEntryQueue[domain.DepositRequest](),
		withdraws:          newEntryQueue[domain.WithdrawRequest](),
		totalDeposited:     new(big.Int),
		totalWithdrawn:     new(big.Int),
		lastProfit:         new(big.Int),
		pendingFeeShares:   new(big.Int),
		withdrawFeeAccrued: new(big.Int),
	}
}

// lock serializes engine entry and rejects re-entry during an external
// call-out. Unlock with e.mu.Unlock.
func (e *Engine) lock() error {
	e.mu.Lock()
	if e.entered {
		e.mu.Unlock()
		return domain.ErrReentrantCall
	}
	return nil
}

// callOut runs an external connector call with the state lock released and
// the in-progress flag raised, so every other entry point stays closed.
func (e *Engine) callOut(fn func() error) error {
	e.entered = true
	e.mu.Unlock()
	err := fn()
	e.mu.Lock()
	e.entered = false
	return err
}

// balanceOf returns the live balance entry for addr, creating it lazily.
func (e *Engine) balanceOf(addr common.Address) *big.Int {
	b, ok := e.balances[addr]
	if !ok {
		b = new(big.Int)
		e.balances[addr] = b
	}
	return b
}

func (e *Engine) lockedOf(addr common.Address) *big.Int {
	l, ok := e.locked[addr]
	if !ok {
		l = new(big.Int)
		e.locked[addr] = l
	}
	return l
}

// mint credits shares to addr and grows the supply.
func (e *Engine) mint(addr common.Address, shares *big.Int) {
	e.balanceOf(addr).Add(e.balanceOf(addr), shares)
	e.totalShares.Add(e.totalShares, shares)
}

// burn debits shares from addr and shrinks the supply.
func (e *Engine) burn(addr common.Address, shares *big.Int) {
	e.balanceOf(addr).Sub(e.balanceOf(addr), shares)
	e.totalShares.Sub(e.totalShares, shares)
}

// totalTVL is the engine's NAV basis: net position value plus liquid cash,
// minus deposits awaiting fulfillment (uninvested queued cash would
// otherwise be counted twice). Caller holds the lock.
func (e *Engine) totalTVL(ctx context.Context) (*big.Int, error) {
	positions, err := e.tvl.ComputeTVL(ctx, e.cfg.BaseAsset)
	if err != nil {
		return nil, fmt.Errorf("ledger: tvl: %w", err)
	}
	total := new(big.Int).Add(positions, e.liquid)
	total.Sub(total, e.awaitingDeposit)
	return domain.ClampZero(total), nil
}

// TVL returns the current net asset value in the base asset.
func (e *Engine) TVL(ctx context.Context) (*big.Int, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.totalTVL(ctx)
}

// QuoteNAV converts the current TVL into the given quote asset through the
// value oracle.
func (e *Engine) QuoteNAV(ctx context.Context, quote common.Address) (*big.Int, error) {
	nav, err := e.TVL(ctx)
	if err != nil {
		return nil, err
	}
	value, err := e.oracle.GetValue(ctx, e.cfg.BaseAsset, quote, nav, e.cfg.MinOracleSources)
	if err != nil {
		return nil, fmt.Errorf("ledger: quote nav: %w", err)
	}
	return value, nil
}

// TotalShares returns the current share supply, pending fee escrow included.
func (e *Engine) TotalShares() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Clone(e.totalShares)
}

// BalanceOf returns addr's share balance.
func (e *Engine) BalanceOf(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Clone(e.balances[addr])
}

// SpendableOf returns addr's balance net of withdraw-locked shares.
func (e *Engine) SpendableOf(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	spendable := domain.Clone(e.balances[addr])
	if l := e.locked[addr]; l != nil {
		spendable.Sub(spendable, l)
	}
	return domain.ClampZero(spendable)
}

// LiquidBalance returns the engine's idle base-asset balance.
func (e *Engine) LiquidBalance() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Clone(e.liquid)
}

// QueueStatus reports the cursors of one settlement queue.
type QueueStatus struct {
	First  uint64
	Middle uint64
	Last   uint64
}

// DepositQueueStatus returns the deposit queue cursors.
func (e *Engine) DepositQueueStatus() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return QueueStatus{First: e.deposits.first, Middle: e.deposits.middle, Last: e.deposits.last}
}

// WithdrawQueueStatus returns the withdraw queue cursors.
func (e *Engine) WithdrawQueueStatus() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return QueueStatus{First: e.withdraws.first, Middle: e.withdraws.middle, Last: e.withdraws.last}
}

// Group returns a snapshot of the active withdraw group.
func (e *Engine) Group() domain.WithdrawGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := e.group
	g.TotalClaim = domain.Clone(e.group.TotalClaim)
	g.TotalAvailable = domain.Clone(e.group.TotalAvailable)
	return g
}

// Paused reports whether the emergency pause is active.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Pause blocks enqueue, valuation, and execution until Unpause. Restricted
// to the emergency role.
func (e *Engine) Pause(caller common.Address) error {
	if err := e.policy.Allow(caller, domain.OpPause); err != nil {
		return fmt.Errorf("ledger: pause: %w", err)
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.paused = true
	e.logger.Warn("vault paused", slog.String("caller", caller.Hex()))
	return nil
}

// Unpause lifts the emergency pause.
func (e *Engine) Unpause(caller common.Address) error {
	if err := e.policy.Allow(caller, domain.OpPause); err != nil {
		return fmt.Errorf("ledger: unpause: %w", err)
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.paused = false
	e.logger.Info("vault unpaused", slog.String("caller", caller.Hex()))
	return nil
}

// CreditStray records an asset that arrived at the engine outside the
// deposit pipeline, making it rescuable.
func (e *Engine) CreditStray(asset common.Address, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.strays[asset]
	if !ok {
		b = new(big.Int)
		e.strays[asset] = b
	}
	b.Add(b, amount)
}

// Rescue removes a misdirected asset from the engine. The base asset is
// vault capital and cannot be rescued. Restricted to the emergency role;
// works while paused.
func (e *Engine) Rescue(caller, asset common.Address, amount *big.Int) error {
	if err := e.policy.Allow(caller, domain.OpRescue); err != nil {
		return fmt.Errorf("ledger: rescue: %w", err)
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if asset == e.cfg.BaseAsset {
		return fmt.Errorf("ledger: rescue: base asset is vault capital: %w", domain.ErrUnauthorized)
	}
	b := e.strays[asset]
	if b == nil || b.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: rescue %s: %w", asset, domain.ErrTransferShortfall)
	}
	b.Sub(b, amount)
	e.logger.Warn("stray asset rescued",
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// ResetCursor moves a queue's valuation cursor backward so the affected
// entries are valuated again. Deposits may be reset any time; withdraw
// resets are rejected while a group is active because they would
// desynchronize the group's claim accounting.
func (e *Engine) ResetCursor(caller common.Address, newMiddle uint64, kind domain.RequestKind) error {
	if err := e.policy.Allow(caller, domain.OpResetCursor); err != nil {
		return fmt.Errorf("ledger: reset cursor: %w", err)
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	switch kind {
	case domain.RequestKindDeposit:
		oldMiddle := e.deposits.middle
		if err := e.deposits.resetMiddle(newMiddle); err != nil {
			return fmt.Errorf("ledger: reset deposit cursor to %d: %w", newMiddle, err)
		}
		for seq := newMiddle; seq < oldMiddle; seq++ {
			if req := e.deposits.at(seq); req != nil {
				req.CalculatedAt = time.Time{}
				req.Shares = new(big.Int)
			}
		}
	case domain.RequestKindWithdraw:
		if e.group.Active() {
			return fmt.Errorf("ledger: reset withdraw cursor: %w", domain.ErrGroupActive)
		}
		oldMiddle := e.withdraws.middle
		if err := e.withdraws.resetMiddle(newMiddle); err != nil {
			return fmt.Errorf("ledger: reset withdraw cursor to %d: %w", newMiddle, err)
		}
		// Rewind the unstarted group's claim accumulation alongside the
		// cursor so a later valuation rebuilds it.
		for seq := newMiddle; seq < oldMiddle; seq++ {
			if req := e.withdraws.at(seq); req != nil {
				if e.group.TotalClaim != nil {
					e.group.TotalClaim.Sub(e.group.TotalClaim, req.BaseAmount)
				}
				req.CalculatedAt = time.Time{}
				req.BaseAmount = new(big.Int)
			}
		}
		if e.group.LastSeq > newMiddle {
			e.group.LastSeq = newMiddle
		}
		if e.group.LastSeq == e.withdraws.first {
			e.group = domain.WithdrawGroup{}
		}
	default:
		return fmt.Errorf("ledger: reset cursor: unknown queue %q", kind)
	}

	e.logger.Info("cursor reset",
		slog.String("queue", string(kind)),
		slog.Uint64("middle", newMiddle),
		slog.String("caller", caller.Hex()),
	)
	return nil
}
