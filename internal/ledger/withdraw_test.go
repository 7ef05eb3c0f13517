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

// seedDeposit runs a deposit through the full pipeline. With forward set the
// batch is invested into the stub connector, leaving the liquid balance
// empty.
func seedDeposit(t *testing.T, v *testVault, receiver common.Address, amount int64, forward bool) {
	t.Helper()
	ctx := t.Context()

	_, err := v.engine.EnqueueDeposit(ctx, receiver, big.NewInt(amount))
	require.NoError(t, err)
	_, err = v.engine.ValuateDeposits(ctx, manager, 100)
	require.NoError(t, err)
	v.clock.Advance(2 * time.Hour)
	target := common.Address{}
	if forward {
		target = stubAddr
	}
	_, err = v.engine.ExecuteDeposits(ctx, manager, 100, target, nil)
	require.NoError(t, err)
	v.refreshHolding()
}

func TestWithdrawLifecycleFullLiquidity(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, false)

	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(400))
	require.NoError(t, err)

	valuated, err := v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, valuated, 1)
	assert.Equal(t, int64(400), valuated[0].BaseAmount.Int64())

	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))
	// The liquid balance covers the claim, no retrieval needed.
	require.NoError(t, v.engine.FulfillWithdrawGroup(ctx, manager))

	v.clock.Advance(2 * time.Hour)
	payouts, batch, err := v.engine.ExecuteWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.NotNil(t, batch)

	// 1% withdrawal fee on the gross amount.
	assert.Equal(t, int64(396), payouts[0].Amount.Int64())
	assert.Equal(t, int64(4), payouts[0].Fee.Int64())
	assert.Equal(t, alice, payouts[0].Receiver)

	assert.Equal(t, int64(600), v.engine.BalanceOf(alice).Int64())
	assert.Equal(t, int64(600), v.engine.TotalShares().Int64())
	assert.Equal(t, int64(604), v.engine.LiquidBalance().Int64())
	assert.Equal(t, int64(4), v.engine.WithdrawFeeAccrued().Int64())

	// The drained group clears and a new batch can start.
	assert.False(t, v.engine.Group().Active())
	_, err = v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(100))
	require.NoError(t, err)
	v.refreshHolding()
	valuated, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	assert.Len(t, valuated, 1)
}

func TestWithdrawProRataShortfall(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	seedDeposit(t, v, bob, 1000, true)
	require.Equal(t, int64(2000), v.engine.TotalShares().Int64())

	// Position gains: 2000 invested is now worth 2200.
	v.connector.setValue(2200)
	v.refreshHolding()

	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(500))
	require.NoError(t, err)

	valuated, err := v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, valuated, 1)
	// 500 shares * 2200 TVL / 2000 shares = 550.
	assert.Equal(t, int64(550), valuated[0].BaseAmount.Int64())

	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))

	// The connector can only free up 440 of the 550 asked for.
	v.connector.returnCap = big.NewInt(440)
	retrieved, err := v.engine.RetrieveAssets(ctx, manager, []RetrievalRequest{
		{Connector: stubAddr, Amount: big.NewInt(550)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(440), retrieved.Int64())
	assert.Equal(t, int64(440), v.engine.LiquidBalance().Int64())

	// Retrieval covered the whole claim, so the shortfall is accepted and
	// socialized instead of blocking the group.
	require.NoError(t, v.engine.FulfillWithdrawGroup(ctx, manager))
	group := v.engine.Group()
	assert.Equal(t, int64(550), group.TotalClaim.Int64())
	assert.Equal(t, int64(440), group.TotalAvailable.Int64())

	v.clock.Advance(2 * time.Hour)
	payouts, _, err := v.engine.ExecuteWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	// Pro-rata slice: 550 * 440/550 = 440 gross, 1% fee = 4, net 436.
	assert.Equal(t, int64(436), payouts[0].Amount.Int64())
	assert.Equal(t, int64(4), payouts[0].Fee.Int64())

	assert.Equal(t, int64(1500), v.engine.TotalShares().Int64())
	assert.Equal(t, int64(500), v.engine.BalanceOf(alice).Int64())
	assert.Equal(t, int64(4), v.engine.LiquidBalance().Int64())
	assert.False(t, v.engine.Group().Active())
}

func TestEnqueueWithdrawValidation(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrZeroAmount)

	_, err = v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	seedDeposit(t, v, alice, 1000, false)

	// Queued withdraws lock shares against further requests.
	_, err = v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(600))
	require.NoError(t, err)
	assert.Equal(t, int64(400), v.engine.SpendableOf(alice).Int64())
	_, err = v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(600))
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
	_, err = v.engine.EnqueueWithdraw(ctx, alice, bob, big.NewInt(400))
	assert.NoError(t, err)
}

func TestWithdrawGroupSequencing(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, false)

	// Nothing may run against a group that was never started.
	_, err := v.engine.RetrieveAssets(ctx, manager, nil)
	assert.ErrorIs(t, err, domain.ErrGroupNotStarted)
	err = v.engine.FulfillWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupNotStarted)
	_, _, err = v.engine.ExecuteWithdraws(ctx, manager, 10)
	assert.ErrorIs(t, err, domain.ErrGroupNotFulfilled)

	_, err = v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(100))
	require.NoError(t, err)
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))

	// One open group at a time; no valuation into a started group.
	err = v.engine.StartWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupActive)
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	assert.ErrorIs(t, err, domain.ErrGroupActive)

	require.NoError(t, v.engine.FulfillWithdrawGroup(ctx, manager))
	err = v.engine.FulfillWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupActive)
	_, err = v.engine.RetrieveAssets(ctx, manager, nil)
	assert.ErrorIs(t, err, domain.ErrGroupActive)
}

func TestRetrieveAssetsOverOutstandingClaim(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(500))
	require.NoError(t, err)
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))

	// Claim is 500; asking for more is rejected before any call-out.
	_, err = v.engine.RetrieveAssets(ctx, manager, []RetrievalRequest{
		{Connector: stubAddr, Amount: big.NewInt(501)},
	})
	assert.ErrorIs(t, err, domain.ErrGroupShortfall)
	assert.Equal(t, int64(0), v.engine.LiquidBalance().Int64())
}

func TestFulfillRequiresFullRetrievalWhenIlliquid(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(500))
	require.NoError(t, err)
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))

	// Liquid is empty and nothing was asked for yet: the shortfall is not
	// provably final, so fulfillment refuses.
	err = v.engine.FulfillWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupShortfall)

	// Partial retrieval is still not enough.
	_, err = v.engine.RetrieveAssets(ctx, manager, []RetrievalRequest{
		{Connector: stubAddr, Amount: big.NewInt(200)},
	})
	require.NoError(t, err)
	err = v.engine.FulfillWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupShortfall)

	// Asking for the remainder completes the requirement.
	_, err = v.engine.RetrieveAssets(ctx, manager, []RetrievalRequest{
		{Connector: stubAddr, Amount: big.NewInt(300)},
	})
	require.NoError(t, err)
	require.NoError(t, v.engine.FulfillWithdrawGroup(ctx, manager))
}

func TestExecuteWithdrawsRespectsDelay(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, false)
	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(100))
	require.NoError(t, err)
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))
	require.NoError(t, v.engine.FulfillWithdrawGroup(ctx, manager))

	payouts, batch, err := v.engine.ExecuteWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	assert.Empty(t, payouts)
	assert.Nil(t, batch)

	v.clock.Advance(61 * time.Minute)
	payouts, _, err = v.engine.ExecuteWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

func TestResetWithdrawCursor(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, false)
	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(100))
	require.NoError(t, err)
	_, err = v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(200))
	require.NoError(t, err)
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(300), v.engine.Group().TotalClaim.Int64())

	// Rewinding an unstarted accumulation rolls the claim back with it.
	require.NoError(t, v.engine.ResetCursor(governor, 1, domain.RequestKindWithdraw))
	assert.Equal(t, int64(100), v.engine.Group().TotalClaim.Int64())
	assert.Equal(t, uint64(1), v.engine.Group().LastSeq)

	// Rewinding to the head clears the accumulation entirely.
	require.NoError(t, v.engine.ResetCursor(governor, 0, domain.RequestKindWithdraw))
	assert.False(t, v.engine.Group().Active())
	assert.Equal(t, int64(0), v.engine.Group().TotalClaim.Int64())

	// A started group blocks resets.
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))
	err = v.engine.ResetCursor(governor, 0, domain.RequestKindWithdraw)
	assert.ErrorIs(t, err, domain.ErrGroupActive)
}

func TestValuateWithdrawsZeroTVL(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(500))
	require.NoError(t, err)

	// Total loss on the position: shares outstanding with nothing to price
	// them against.
	v.connector.setValue(0)
	v.refreshHolding()

	valuated, err := v.engine.ValuateWithdraws(ctx, manager, 10)
	assert.ErrorIs(t, err, domain.ErrNoPriceAvailable)
	assert.Empty(t, valuated)

	// Nothing accumulated, so no group can open on the worthless claim.
	err = v.engine.StartWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupEmpty)
}

func TestStartWithdrawGroupRequiresValuatedRequests(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, false)

	// Nothing valuated yet: an open empty group could never drain and
	// would block valuation forever.
	err := v.engine.StartWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupEmpty)

	// An enqueued but unvaluated request is not enough either.
	_, err = v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(100))
	require.NoError(t, err)
	err = v.engine.StartWithdrawGroup(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrGroupEmpty)

	// The pipeline stays usable throughout.
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))
}

func TestExecuteWithdrawsZeroClaimGroup(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	v.connector.setValue(999)
	v.refreshHolding()

	// One share at NAV 999/1000 truncates to a zero-base claim.
	_, err := v.engine.EnqueueWithdraw(ctx, alice, alice, big.NewInt(1))
	require.NoError(t, err)
	valuated, err := v.engine.ValuateWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, valuated, 1)
	require.Equal(t, int64(0), valuated[0].BaseAmount.Int64())

	require.NoError(t, v.engine.StartWithdrawGroup(ctx, manager))
	require.NoError(t, v.engine.FulfillWithdrawGroup(ctx, manager))
	v.clock.Advance(2 * time.Hour)

	payouts, batch, err := v.engine.ExecuteWithdraws(ctx, manager, 10)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(0), payouts[0].Amount.Int64())
	require.NotNil(t, batch)

	// The shares burned, the group cleared, and the pipeline moves on.
	assert.Equal(t, int64(999), v.engine.TotalShares().Int64())
	assert.False(t, v.engine.Group().Active())
	_, err = v.engine.ValuateWithdraws(ctx, manager, 10)
	assert.NoError(t, err)
}
