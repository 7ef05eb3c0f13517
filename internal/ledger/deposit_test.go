package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

func TestDepositLifecycleEmptyVault(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(1000))
	require.NoError(t, err)

	valuated, err := v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, valuated, 1)
	// First depositor gets shares 1:1.
	assert.Equal(t, int64(1000), valuated[0].Shares.Int64())

	v.clock.Advance(2 * time.Hour)
	batch, err := v.engine.ExecuteDeposits(ctx, manager, 10, common.Address{}, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Count)
	assert.Equal(t, int64(1000), batch.TotalShares.Int64())

	assert.Equal(t, int64(1000), v.engine.BalanceOf(alice).Int64())
	assert.Equal(t, int64(1000), v.engine.TotalShares().Int64())

	nav, err := v.engine.TVL(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), nav.Int64())
}

func TestDepositValuatedAgainstGrownTVL(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	// Seed the vault: 1000 deposited, executed, and forwarded into the
	// connector.
	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(1000))
	require.NoError(t, err)
	_, err = v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	v.clock.Advance(2 * time.Hour)
	_, err = v.engine.ExecuteDeposits(ctx, manager, 10, stubAddr, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.engine.LiquidBalance().Int64())

	// Connector gains: TVL grows to 1100 with no new deposits.
	v.connector.setValue(1100)
	v.refreshHolding()

	_, err = v.engine.EnqueueDeposit(ctx, bob, big.NewInt(1100))
	require.NoError(t, err)
	v.refreshHolding()

	valuated, err := v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, valuated, 1)
	// 1100 * 1000 / 1100 = 1000 shares.
	assert.Equal(t, int64(1000), valuated[0].Shares.Int64())
}

func TestEnqueueDepositValidation(t *testing.T) {
	cfg := defaultConfig()
	cfg.DepositCapPerTx = big.NewInt(500)
	cfg.DepositCapTotal = big.NewInt(800)
	v := newTestVault(cfg)
	ctx := t.Context()

	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrZeroAmount)

	_, err = v.engine.EnqueueDeposit(ctx, alice, big.NewInt(501))
	assert.ErrorIs(t, err, domain.ErrDepositCapExceeded)

	// Fill the vault close to the total cap, then overflow it.
	_, err = v.engine.EnqueueDeposit(ctx, alice, big.NewInt(500))
	require.NoError(t, err)
	_, err = v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	v.clock.Advance(2 * time.Hour)
	_, err = v.engine.ExecuteDeposits(ctx, manager, 10, common.Address{}, nil)
	require.NoError(t, err)

	_, err = v.engine.EnqueueDeposit(ctx, bob, big.NewInt(400))
	assert.ErrorIs(t, err, domain.ErrDepositCapExceeded)
}

func TestEnqueueDepositWhilePaused(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	require.NoError(t, v.engine.Pause(emergency))
	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrPaused)

	require.NoError(t, v.engine.Unpause(emergency))
	_, err = v.engine.EnqueueDeposit(ctx, alice, big.NewInt(100))
	assert.NoError(t, err)
}

func TestValuationRequiresManagerRole(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	_, err := v.engine.ValuateDeposits(ctx, alice, 10)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = v.engine.ExecuteDeposits(ctx, governor, 10, common.Address{}, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestDepositFairnessAnchor(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	// The holding was last updated at vault construction time; a deposit
	// recorded later must not be valuated until the position is revalued.
	v.clock.Advance(time.Hour)
	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(1000))
	require.NoError(t, err)

	valuated, err := v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	assert.Empty(t, valuated)

	// Revaluing the position unblocks the deposit.
	v.refreshHolding()
	valuated, err = v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	assert.Len(t, valuated, 1)
}

func TestExecuteDepositsRespectsDelay(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(1000))
	require.NoError(t, err)
	_, err = v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)

	// Not yet matured.
	batch, err := v.engine.ExecuteDeposits(ctx, manager, 10, common.Address{}, nil)
	require.NoError(t, err)
	assert.Nil(t, batch)

	v.clock.Advance(61 * time.Minute)
	batch, err = v.engine.ExecuteDeposits(ctx, manager, 10, common.Address{}, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Count)
}

func TestExecuteDepositsForwardsBatchToConnector(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(600))
	require.NoError(t, err)
	_, err = v.engine.EnqueueDeposit(ctx, bob, big.NewInt(400))
	require.NoError(t, err)
	_, err = v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	v.clock.Advance(2 * time.Hour)

	batch, err := v.engine.ExecuteDeposits(ctx, manager, 10, stubAddr, nil)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 2, batch.Count)
	assert.Equal(t, int64(1000), batch.TotalBase.Int64())

	// The batch left the liquid balance and landed in the connector.
	assert.Equal(t, int64(0), v.engine.LiquidBalance().Int64())
	assert.Equal(t, int64(1000), v.connector.value.Int64())

	// TVL is unchanged by the forward.
	nav, err := v.engine.TVL(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), nav.Int64())
}

func TestExecuteDepositsConnectorFailureLeavesStateIntact(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(1000))
	require.NoError(t, err)
	_, err = v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	v.clock.Advance(2 * time.Hour)

	v.connector.acceptErr = assert.AnError
	_, err = v.engine.ExecuteDeposits(ctx, manager, 10, stubAddr, nil)
	require.Error(t, err)

	// No partial effects: nothing minted, queue untouched.
	assert.Equal(t, int64(0), v.engine.TotalShares().Int64())
	status := v.engine.DepositQueueStatus()
	assert.Equal(t, uint64(0), status.First)
	assert.Equal(t, uint64(1), status.Middle)

	// Retry succeeds once the connector recovers.
	v.connector.acceptErr = nil
	batch, err := v.engine.ExecuteDeposits(ctx, manager, 10, stubAddr, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Count)
}

func TestDepositQueueMonotonicity(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	check := func() {
		s := v.engine.DepositQueueStatus()
		assert.LessOrEqual(t, s.First, s.Middle)
		assert.LessOrEqual(t, s.Middle, s.Last)
	}

	for i := 0; i < 5; i++ {
		_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(100))
		require.NoError(t, err)
		check()
	}
	_, err := v.engine.ValuateDeposits(ctx, manager, 3)
	require.NoError(t, err)
	check()
	v.clock.Advance(2 * time.Hour)
	_, err = v.engine.ExecuteDeposits(ctx, manager, 2, common.Address{}, nil)
	require.NoError(t, err)
	check()

	s := v.engine.DepositQueueStatus()
	assert.Equal(t, uint64(2), s.First)
	assert.Equal(t, uint64(3), s.Middle)
	assert.Equal(t, uint64(5), s.Last)
}

func TestResetDepositCursor(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(100))
		require.NoError(t, err)
	}
	_, err := v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.engine.DepositQueueStatus().Middle)

	// Out-of-range resets are rejected.
	err = v.engine.ResetCursor(governor, 4, domain.RequestKindDeposit)
	assert.ErrorIs(t, err, domain.ErrCursorOutOfRange)

	// Only the governor may reset.
	err = v.engine.ResetCursor(manager, 1, domain.RequestKindDeposit)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, v.engine.ResetCursor(governor, 1, domain.RequestKindDeposit))
	assert.Equal(t, uint64(1), v.engine.DepositQueueStatus().Middle)

	// The reset entries are valuated again.
	valuated, err := v.engine.ValuateDeposits(ctx, manager, 10)
	require.NoError(t, err)
	assert.Len(t, valuated, 2)
}

func TestDepositTotalCapCountsQueuedAmounts(t *testing.T) {
	cfg := defaultConfig()
	cfg.DepositCapTotal = big.NewInt(1000)
	v := newTestVault(cfg)
	ctx := t.Context()

	_, err := v.engine.EnqueueDeposit(ctx, alice, big.NewInt(600))
	require.NoError(t, err)

	// The first request has not executed, but it already holds cap room.
	_, err = v.engine.EnqueueDeposit(ctx, bob, big.NewInt(600))
	assert.ErrorIs(t, err, domain.ErrDepositCapExceeded)

	_, err = v.engine.EnqueueDeposit(ctx, bob, big.NewInt(400))
	require.NoError(t, err)
}
