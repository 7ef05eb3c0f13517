package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	governor  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	manager   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	emergency = common.HexToAddress("0x0000000000000000000000000000000000000003")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func newTestTable() *RoleTable {
	return NewRoleTable(map[common.Address]Role{
		governor:  RoleGovernor,
		manager:   RoleManager,
		emergency: RoleEmergency,
	})
}

func TestRoleTableAllowsAssignedRoles(t *testing.T) {
	rt := newTestTable()

	require.NoError(t, rt.Allow(manager, OpValuate))
	require.NoError(t, rt.Allow(manager, OpExecute))
	require.NoError(t, rt.Allow(manager, OpRetrieve))
	require.NoError(t, rt.Allow(manager, OpAccrueFees))

	require.NoError(t, rt.Allow(governor, OpResetCursor))
	require.NoError(t, rt.Allow(governor, OpRegisterType))
	require.NoError(t, rt.Allow(governor, OpConfigure))

	require.NoError(t, rt.Allow(emergency, OpPause))
	require.NoError(t, rt.Allow(emergency, OpRescue))
}

func TestRoleTableRejectsCrossRoleCalls(t *testing.T) {
	rt := newTestTable()

	assert.ErrorIs(t, rt.Allow(governor, OpValuate), ErrUnauthorized)
	assert.ErrorIs(t, rt.Allow(manager, OpConfigure), ErrUnauthorized)
	assert.ErrorIs(t, rt.Allow(manager, OpPause), ErrUnauthorized)
	assert.ErrorIs(t, rt.Allow(emergency, OpExecute), ErrUnauthorized)
	assert.ErrorIs(t, rt.Allow(emergency, OpResetCursor), ErrUnauthorized)
}

func TestRoleTableRejectsUnknownCaller(t *testing.T) {
	rt := newTestTable()

	assert.ErrorIs(t, rt.Allow(stranger, OpValuate), ErrUnauthorized)
	assert.ErrorIs(t, rt.Allow(common.Address{}, OpPause), ErrUnauthorized)
}
