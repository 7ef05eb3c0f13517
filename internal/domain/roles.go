package domain

import "github.com/ethereum/go-ethereum/common"

// Role identifies a class of privileged caller.
type Role string

const (
	// RoleGovernor may change configuration and register position types.
	RoleGovernor Role = "governor"
	// RoleManager is the scheduler: the only role allowed to trigger
	// valuation, execution, asset retrieval, and fee accrual.
	RoleManager Role = "manager"
	// RoleEmergency may pause/unpause the vault and rescue misdirected
	// assets.
	RoleEmergency Role = "emergency"
)

// Operation names a privileged engine operation for access-policy checks.
type Operation string

const (
	OpValuate      Operation = "valuate"
	OpExecute      Operation = "execute"
	OpRetrieve     Operation = "retrieve"
	OpAccrueFees   Operation = "accrue_fees"
	OpResetCursor  Operation = "reset_cursor"
	OpRegisterType Operation = "register_type"
	OpConfigure    Operation = "configure"
	OpPause        Operation = "pause"
	OpRescue       Operation = "rescue"
)

// AccessPolicy decides whether a caller may perform an operation. It is
// injected at engine construction and queried per call; implementations must
// be side-effect free.
type AccessPolicy interface {
	Allow(caller common.Address, op Operation) error
}

// RoleTable is a static AccessPolicy mapping addresses to roles.
type RoleTable struct {
	roles map[common.Address]Role
}

// NewRoleTable builds a RoleTable from explicit role assignments.
func NewRoleTable(assignments map[common.Address]Role) *RoleTable {
	roles := make(map[common.Address]Role, len(assignments))
	for addr, role := range assignments {
		roles[addr] = role
	}
	return &RoleTable{roles: roles}
}

// opRoles maps each operation to the roles permitted to perform it.
var opRoles = map[Operation][]Role{
	OpValuate:      {RoleManager},
	OpExecute:      {RoleManager},
	OpRetrieve:     {RoleManager},
	OpAccrueFees:   {RoleManager},
	OpResetCursor:  {RoleGovernor},
	OpRegisterType: {RoleGovernor},
	OpConfigure:    {RoleGovernor},
	OpPause:        {RoleEmergency},
	OpRescue:       {RoleEmergency},
}

// Allow returns nil when caller holds a role permitted to perform op, and
// ErrUnauthorized otherwise.
func (rt *RoleTable) Allow(caller common.Address, op Operation) error {
	role, ok := rt.roles[caller]
	if !ok {
		return ErrUnauthorized
	}
	for _, allowed := range opRoles[op] {
		if role == allowed {
			return nil
		}
	}
	return ErrUnauthorized
}

// Compile-time interface check.
var _ AccessPolicy = (*RoleTable)(nil)
