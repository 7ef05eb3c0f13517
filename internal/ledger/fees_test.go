package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

func TestRecordProfitSnapshotMintsEscrow(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)

	// No profit yet: deposits alone never count as gains.
	accrual, err := v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)
	assert.Nil(t, accrual)

	// Position gains 100; 20% performance fee on the delta.
	v.connector.setValue(1100)
	v.refreshHolding()

	accrual, err = v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)
	require.NotNil(t, accrual)
	assert.Equal(t, domain.FeeEventPerformance, accrual.Kind)
	assert.Equal(t, int64(20), accrual.Base.Int64())
	// Share-equivalent of 20 at TVL 1100: 20 * 1000 / 1100 = 18.
	assert.Equal(t, int64(18), accrual.Shares.Int64())

	// Escrow dilutes the supply but belongs to nobody yet.
	assert.Equal(t, int64(1018), v.engine.TotalShares().Int64())
	assert.Equal(t, int64(0), v.engine.BalanceOf(feeRecv).Int64())

	// A repeated snapshot while the escrow is still vesting leaves it
	// untouched and mints nothing new.
	accrual, err = v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)
	assert.Nil(t, accrual)
	assert.Equal(t, int64(1018), v.engine.TotalShares().Int64())
}

func TestDistributeFeeSharesWindow(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	v.connector.setValue(1100)
	v.refreshHolding()
	_, err := v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)

	// Not vested yet.
	_, err = v.engine.DistributeFeeShares(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrFeeNotVested)

	v.clock.Advance(25 * time.Hour)
	accrual, err := v.engine.DistributeFeeShares(ctx, manager)
	require.NoError(t, err)
	require.NotNil(t, accrual)
	assert.Equal(t, int64(18), accrual.Shares.Int64())

	// Distribution assigns the escrowed shares without changing the supply.
	assert.Equal(t, int64(18), v.engine.BalanceOf(feeRecv).Int64())
	assert.Equal(t, int64(1018), v.engine.TotalShares().Int64())

	// Nothing left to distribute.
	_, err = v.engine.DistributeFeeShares(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDistributeFeeSharesAfterWindowCloses(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	v.connector.setValue(1100)
	v.refreshHolding()
	_, err := v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)

	v.clock.Advance(31 * 24 * time.Hour)
	_, err = v.engine.DistributeFeeShares(ctx, manager)
	assert.ErrorIs(t, err, domain.ErrFeeWindowClosed)
}

func TestCheckProfitDropBurnsEscrow(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	v.connector.setValue(1100)
	v.refreshHolding()
	_, err := v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)
	require.Equal(t, int64(1018), v.engine.TotalShares().Int64())

	// The gain reverses before distribution: the escrow is burned.
	v.connector.setValue(1000)
	v.refreshHolding()

	accrual, err := v.engine.CheckProfitDrop(ctx, manager)
	require.NoError(t, err)
	require.NotNil(t, accrual)
	assert.Equal(t, domain.FeeEventBurned, accrual.Kind)
	assert.Equal(t, int64(18), accrual.Shares.Int64())
	assert.Equal(t, int64(1000), v.engine.TotalShares().Int64())

	// Re-based: a second check at the same level is a no-op.
	accrual, err = v.engine.CheckProfitDrop(ctx, manager)
	require.NoError(t, err)
	assert.Nil(t, accrual)
}

func TestProfitSnapshotForfeitsStaleEscrow(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	v.connector.setValue(1100)
	v.refreshHolding()
	_, err := v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)

	// The escrow outlives the distribution window undistributed; on the
	// next growth it is forfeited and a fresh one is minted on the new
	// delta only.
	v.clock.Advance(31 * 24 * time.Hour)
	v.connector.setValue(1200)
	v.refreshHolding()
	accrual, err := v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)
	require.NotNil(t, accrual)
	assert.Equal(t, int64(20), accrual.Base.Int64())
	// 20 * 1000 / 1200 = 16.
	assert.Equal(t, int64(16), accrual.Shares.Int64())
	assert.Equal(t, int64(1016), v.engine.TotalShares().Int64())
}

func TestRepeatedSnapshotsKeepVestingEscrow(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, true)
	v.connector.setValue(1100)
	v.refreshHolding()
	_, err := v.engine.RecordProfitSnapshot(ctx, manager)
	require.NoError(t, err)
	require.Equal(t, int64(1018), v.engine.TotalShares().Int64())

	// Hourly snapshots across the vesting window must not forfeit the
	// escrow.
	for i := 0; i < 25; i++ {
		v.clock.Advance(time.Hour)
		accrual, err := v.engine.RecordProfitSnapshot(ctx, manager)
		require.NoError(t, err)
		assert.Nil(t, accrual)
	}
	assert.Equal(t, int64(1018), v.engine.TotalShares().Int64())

	// 25 hours in, the escrow has vested and reaches the receiver in full.
	accrual, err := v.engine.DistributeFeeShares(ctx, manager)
	require.NoError(t, err)
	require.NotNil(t, accrual)
	assert.Equal(t, int64(18), accrual.Shares.Int64())
	assert.Equal(t, int64(18), v.engine.BalanceOf(feeRecv).Int64())
}

func TestCollectManagementFee(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	seedDeposit(t, v, alice, 1000, false)

	// First call only arms the accrual clock.
	accrual, err := v.engine.CollectManagementFee(ctx, manager)
	require.NoError(t, err)
	assert.Nil(t, accrual)

	// Under one accrual period: nothing happens.
	v.clock.Advance(time.Hour)
	accrual, err = v.engine.CollectManagementFee(ctx, manager)
	require.NoError(t, err)
	assert.Nil(t, accrual)

	// A full year at 2% annual on 1000 shares mints 20.
	v.clock.Advance(365*24*time.Hour - time.Hour)
	accrual, err = v.engine.CollectManagementFee(ctx, manager)
	require.NoError(t, err)
	require.NotNil(t, accrual)
	assert.Equal(t, domain.FeeEventManagement, accrual.Kind)
	assert.Equal(t, int64(20), accrual.Shares.Int64())
	assert.Equal(t, int64(20), v.engine.BalanceOf(mgmtRecv).Int64())
	assert.Equal(t, int64(1020), v.engine.TotalShares().Int64())

	// The receiver's own shares are excluded from the next accrual base.
	v.clock.Advance(365 * 24 * time.Hour)
	accrual, err = v.engine.CollectManagementFee(ctx, manager)
	require.NoError(t, err)
	require.NotNil(t, accrual)
	assert.Equal(t, int64(20), accrual.Shares.Int64())
}

func TestFeeOperationsRequireManagerRole(t *testing.T) {
	v := newTestVault(defaultConfig())
	ctx := t.Context()

	_, err := v.engine.RecordProfitSnapshot(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = v.engine.DistributeFeeShares(ctx, governor)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = v.engine.CollectManagementFee(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
