package registry

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

var (
	governor = common.HexToAddress("0x0000000000000000000000000000000000000001")
	outsider = common.HexToAddress("0x0000000000000000000000000000000000000009")

	connA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	connB = common.HexToAddress("0x00000000000000000000000000000000000000a2")

	tokenX = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	tokenY = common.HexToAddress("0x00000000000000000000000000000000000000d2")
)

type fakeConnector struct{ addr common.Address }

func (f *fakeConnector) Address() common.Address { return f.addr }

func (f *fakeConnector) ReportValue(ctx context.Context, pos domain.HoldingPosition, base common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeConnector) AcceptFunds(ctx context.Context, asset common.Address, amount *big.Int, routing []byte) (*big.Int, error) {
	return domain.Clone(amount), nil
}

func (f *fakeConnector) ReturnFunds(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	return domain.Clone(amount), nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New(domain.NewRoleTable(map[common.Address]domain.Role{
		governor: domain.RoleGovernor,
	}))
	require.NoError(t, reg.EnableConnector(governor, &fakeConnector{addr: connA}))
	require.NoError(t, reg.TrustToken(governor, tokenX))
	return reg
}

func TestConfigurationRequiresGovernor(t *testing.T) {
	reg := newTestRegistry(t)

	assert.ErrorIs(t, reg.TrustToken(outsider, tokenY), domain.ErrUnauthorized)
	assert.ErrorIs(t, reg.EnableConnector(outsider, &fakeConnector{addr: connB}), domain.ErrUnauthorized)
	_, err := reg.RegisterBlueprint(outsider, domain.PositionBlueprint{
		CalculatorConnector: connA,
		Underlyings:         []common.Address{tokenX},
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestRegisterBlueprintRejectsUntrustedToken(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		Underlyings:         []common.Address{tokenX, tokenY},
	})
	assert.ErrorIs(t, err, domain.ErrTokenNotTrusted)

	require.NoError(t, reg.TrustToken(governor, tokenY))
	_, err = reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		Underlyings:         []common.Address{tokenX, tokenY},
	})
	assert.NoError(t, err)
}

func TestRegisterBlueprintRejectsDisabledConnector(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connB,
		Underlyings:         []common.Address{tokenX},
	})
	assert.ErrorIs(t, err, domain.ErrConnectorDisabled)
}

func TestRegisterBlueprintDuplicate(t *testing.T) {
	reg := newTestRegistry(t)

	bp := domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      7,
		ConfigData:          []byte("cfg"),
		Underlyings:         []common.Address{tokenX},
	}
	id, err := reg.RegisterBlueprint(governor, bp)
	require.NoError(t, err)
	assert.Equal(t, domain.BlueprintID(connA, 7, []byte("cfg")), id)

	_, err = reg.RegisterBlueprint(governor, bp)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestUnregisterBlueprintInUse(t *testing.T) {
	reg := newTestRegistry(t)

	id, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		Underlyings:         []common.Address{tokenX},
	})
	require.NoError(t, err)

	_, err = reg.UpsertHolding(connA, id, []byte("p1"), nil, false, time.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, reg.UnregisterBlueprint(governor, id), domain.ErrBlueprintInUse)

	// Closing the holding frees the blueprint.
	_, err = reg.UpsertHolding(connA, id, []byte("p1"), nil, true, time.Now())
	require.NoError(t, err)
	require.NoError(t, reg.UnregisterBlueprint(governor, id))

	_, err = reg.Blueprint(id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsertHoldingLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		Underlyings:         []common.Address{tokenX},
	})
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idx, err := reg.UpsertHolding(connA, id, []byte("p1"), []byte("e1"), false, t0)
	require.NoError(t, err)
	assert.Greater(t, idx, SentinelIndex)

	hid := domain.HoldingID(connA, id, []byte("p1"))
	assert.Equal(t, idx, reg.HoldingIndex(hid))

	// Upserting the same triple updates in place: only extra data and the
	// timestamp change.
	t1 := t0.Add(time.Hour)
	idx2, err := reg.UpsertHolding(connA, id, []byte("p1"), []byte("e2"), false, t1)
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)

	holdings := reg.Holdings()
	require.Len(t, holdings, 1)
	assert.Equal(t, []byte("e2"), holdings[0].ExtraData)
	assert.Equal(t, []byte("p1"), holdings[0].Data)
	assert.Equal(t, t1, holdings[0].LastUpdate)

	// Removal frees the slot; removing again is a no-op.
	idx, err = reg.UpsertHolding(connA, id, []byte("p1"), nil, true, t1)
	require.NoError(t, err)
	assert.Equal(t, SentinelIndex, idx)
	assert.Equal(t, SentinelIndex, reg.HoldingIndex(hid))
	idx, err = reg.UpsertHolding(connA, id, []byte("p1"), nil, true, t1)
	require.NoError(t, err)
	assert.Equal(t, SentinelIndex, idx)
	assert.Empty(t, reg.Holdings())
}

func TestUpsertHoldingRejectsUnknownReporterOrBlueprint(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		Underlyings:         []common.Address{tokenX},
	})
	require.NoError(t, err)

	_, err = reg.UpsertHolding(connB, id, []byte("p1"), nil, false, time.Now())
	assert.ErrorIs(t, err, domain.ErrConnectorDisabled)

	_, err = reg.UpsertHolding(connA, common.Hash{0x01}, []byte("p1"), nil, false, time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsertHoldingOwnerRestriction(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.EnableConnector(governor, &fakeConnector{addr: connB}))

	id, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		OnlyOwnerCanReport:  true,
		Underlyings:         []common.Address{tokenX},
	})
	require.NoError(t, err)

	_, err = reg.UpsertHolding(connB, id, []byte("p1"), nil, false, time.Now())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = reg.UpsertHolding(connA, id, []byte("p1"), nil, false, time.Now())
	assert.NoError(t, err)
}

func TestRemoveHoldingRelocatesLast(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		Underlyings:         []common.Address{tokenX},
	})
	require.NoError(t, err)

	now := time.Now()
	for _, data := range []string{"p1", "p2", "p3"} {
		_, err := reg.UpsertHolding(connA, id, []byte(data), nil, false, now)
		require.NoError(t, err)
	}

	// Removing the first live slot swaps the last holding into it.
	first := domain.HoldingID(connA, id, []byte("p1"))
	last := domain.HoldingID(connA, id, []byte("p3"))
	firstIdx := reg.HoldingIndex(first)
	require.Equal(t, 1, firstIdx)

	_, err = reg.UpsertHolding(connA, id, []byte("p1"), nil, true, now)
	require.NoError(t, err)

	assert.Equal(t, SentinelIndex, reg.HoldingIndex(first))
	assert.Equal(t, firstIdx, reg.HoldingIndex(last))
	assert.Len(t, reg.Holdings(), 2)

	// The relocated holding is still addressable through its id.
	idx, err := reg.UpsertHolding(connA, id, []byte("p3"), []byte("x"), false, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, firstIdx, idx)
}

func TestOldestUpdate(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: connA,
		PositionTypeID:      1,
		Underlyings:         []common.Address{tokenX},
	})
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now, reg.OldestUpdate(now))

	_, err = reg.UpsertHolding(connA, id, []byte("p1"), nil, false, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = reg.UpsertHolding(connA, id, []byte("p2"), nil, false, now.Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, now.Add(-2*time.Hour), reg.OldestUpdate(now))
}
