// Package registry tracks which connectors hold which positions for the
// vault. It is the durable record behind NAV: blueprints authorize classes
// of positions, holdings are the concrete open instances, and the trusted
// token / enabled connector sets bound what may ever be reported.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// SentinelIndex is the reserved arena slot. Index 0 doubles as the "absent"
// value in the id->index map, so slot 0 must never hold a live position.
const SentinelIndex = 0

// Registry is the in-memory position registry. All methods are safe for
// concurrent use.
type Registry struct {
	mu sync.RWMutex

	policy domain.AccessPolicy

	trustedTokens map[common.Address]bool
	connectors    map[common.Address]domain.Connector

	blueprints map[common.Hash]domain.PositionBlueprint

	// Dense arena of holdings with a parallel index map. holdings[0] is the
	// sentinel; isUsed[id] == 0 means absent.
	holdings []domain.HoldingPosition
	isUsed   map[common.Hash]int
}

// New creates an empty Registry guarded by the given access policy.
func New(policy domain.AccessPolicy) *Registry {
	return &Registry{
		policy:        policy,
		trustedTokens: make(map[common.Address]bool),
		connectors:    make(map[common.Address]domain.Connector),
		blueprints:    make(map[common.Hash]domain.PositionBlueprint),
		holdings:      []domain.HoldingPosition{{}}, // sentinel
		isUsed:        make(map[common.Hash]int),
	}
}

// TrustToken adds a token to the trusted-token list.
func (r *Registry) TrustToken(caller, token common.Address) error {
	if err := r.policy.Allow(caller, domain.OpConfigure); err != nil {
		return fmt.Errorf("registry: trust token: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trustedTokens[token] = true
	return nil
}

// DistrustToken removes a token from the trusted-token list. Existing
// blueprints referencing the token remain registered.
func (r *Registry) DistrustToken(caller, token common.Address) error {
	if err := r.policy.Allow(caller, domain.OpConfigure); err != nil {
		return fmt.Errorf("registry: distrust token: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trustedTokens, token)
	return nil
}

// IsTrusted reports whether a token is on the trusted list.
func (r *Registry) IsTrusted(token common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trustedTokens[token]
}

// EnableConnector authorizes a connector to report positions and move
// trusted tokens.
func (r *Registry) EnableConnector(caller common.Address, conn domain.Connector) error {
	if err := r.policy.Allow(caller, domain.OpConfigure); err != nil {
		return fmt.Errorf("registry: enable connector: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[conn.Address()] = conn
	return nil
}

// DisableConnector revokes a connector's authorization.
func (r *Registry) DisableConnector(caller, addr common.Address) error {
	if err := r.policy.Allow(caller, domain.OpConfigure); err != nil {
		return fmt.Errorf("registry: disable connector: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connectors, addr)
	return nil
}

// Connector returns the enabled connector at addr, or ErrConnectorDisabled.
func (r *Registry) Connector(addr common.Address) (domain.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[addr]
	if !ok {
		return nil, domain.ErrConnectorDisabled
	}
	return conn, nil
}

// RegisterBlueprint authorizes a connector to report a class of position.
// Every underlying token must already be trusted and the calculator
// connector enabled.
func (r *Registry) RegisterBlueprint(caller common.Address, bp domain.PositionBlueprint) (common.Hash, error) {
	if err := r.policy.Allow(caller, domain.OpRegisterType); err != nil {
		return common.Hash{}, fmt.Errorf("registry: register blueprint: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connectors[bp.CalculatorConnector]; !ok {
		return common.Hash{}, fmt.Errorf("registry: register blueprint: calculator %s: %w",
			bp.CalculatorConnector, domain.ErrConnectorDisabled)
	}
	for _, token := range bp.Underlyings {
		if !r.trustedTokens[token] {
			return common.Hash{}, fmt.Errorf("registry: register blueprint: token %s: %w",
				token, domain.ErrTokenNotTrusted)
		}
	}

	id := domain.BlueprintID(bp.CalculatorConnector, bp.PositionTypeID, bp.ConfigData)
	if _, ok := r.blueprints[id]; ok {
		return common.Hash{}, fmt.Errorf("registry: register blueprint %s: %w", id, domain.ErrAlreadyExists)
	}

	bp.ID = id
	r.blueprints[id] = bp
	return id, nil
}

// UnregisterBlueprint removes a blueprint. It fails while any open holding
// still references it, which would otherwise orphan live positions.
func (r *Registry) UnregisterBlueprint(caller common.Address, id common.Hash) error {
	if err := r.policy.Allow(caller, domain.OpRegisterType); err != nil {
		return fmt.Errorf("registry: unregister blueprint: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.blueprints[id]; !ok {
		return fmt.Errorf("registry: unregister blueprint %s: %w", id, domain.ErrNotFound)
	}
	for i := 1; i < len(r.holdings); i++ {
		if r.holdings[i].BlueprintID == id {
			return fmt.Errorf("registry: unregister blueprint %s: %w", id, domain.ErrBlueprintInUse)
		}
	}
	delete(r.blueprints, id)
	return nil
}

// Blueprint returns the blueprint with the given content id.
func (r *Registry) Blueprint(id common.Hash) (domain.PositionBlueprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.blueprints[id]
	if !ok {
		return domain.PositionBlueprint{}, domain.ErrNotFound
	}
	return bp, nil
}

// UpsertHolding creates, updates, or removes a holding position on behalf of
// the reporting connector. It returns the arena index the holding occupies
// after the call (SentinelIndex when removed or when removing a nonexistent
// entry). lastUpdate stamps the holding's update timestamp.
//
// Identity fields are immutable: an upsert of an existing holding only
// mutates ExtraData and the timestamp.
func (r *Registry) UpsertHolding(
	reporter common.Address,
	blueprintID common.Hash,
	data, extraData []byte,
	remove bool,
	lastUpdate time.Time,
) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connectors[reporter]; !ok {
		return SentinelIndex, fmt.Errorf("registry: upsert holding: reporter %s: %w",
			reporter, domain.ErrConnectorDisabled)
	}
	bp, ok := r.blueprints[blueprintID]
	if !ok {
		return SentinelIndex, fmt.Errorf("registry: upsert holding: blueprint %s: %w",
			blueprintID, domain.ErrNotFound)
	}

	id := domain.HoldingID(reporter, blueprintID, data)
	idx := r.isUsed[id]

	if remove {
		if idx == SentinelIndex {
			// Removing a nonexistent entry is a no-op.
			return SentinelIndex, nil
		}
		r.removeAt(idx)
		return SentinelIndex, nil
	}

	if idx != SentinelIndex {
		// Update: only extra data and timestamp mutate.
		r.holdings[idx].ExtraData = extraData
		r.holdings[idx].LastUpdate = lastUpdate
		return idx, nil
	}

	// First creation of this (reporter, blueprint, data) triple.
	if bp.OnlyOwnerCanReport && reporter != bp.CalculatorConnector {
		return SentinelIndex, fmt.Errorf("registry: upsert holding: reporter %s is not blueprint owner: %w",
			reporter, domain.ErrUnauthorized)
	}

	r.holdings = append(r.holdings, domain.HoldingPosition{
		ID:                  id,
		BlueprintID:         blueprintID,
		CalculatorConnector: bp.CalculatorConnector,
		ReportingConnector:  reporter,
		Data:                data,
		ExtraData:           extraData,
		LastUpdate:          lastUpdate,
	})
	idx = len(r.holdings) - 1
	r.isUsed[id] = idx
	return idx, nil
}

// removeAt swap-removes the holding at idx, keeping the index map pointing
// at the displaced last element. Caller holds the lock; idx is a live,
// non-sentinel slot.
func (r *Registry) removeAt(idx int) {
	last := len(r.holdings) - 1
	removed := r.holdings[idx]
	if idx != last {
		r.holdings[idx] = r.holdings[last]
		r.isUsed[r.holdings[idx].ID] = idx
	}
	r.holdings = r.holdings[:last]
	delete(r.isUsed, removed.ID)
}

// HoldingIndex returns the arena index for the given content id, or
// SentinelIndex when absent.
func (r *Registry) HoldingIndex(id common.Hash) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isUsed[id]
}

// Holdings returns a snapshot of all live holdings, sentinel excluded.
func (r *Registry) Holdings() []domain.HoldingPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.HoldingPosition, len(r.holdings)-1)
	copy(out, r.holdings[1:])
	return out
}

// OldestUpdate returns the minimum LastUpdate across live holdings, or now
// when there are none. It is the settlement fairness anchor: requests
// recorded after this instant are not priced yet.
func (r *Registry) OldestUpdate(now time.Time) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.holdings) == 1 {
		return now
	}
	oldest := r.holdings[1].LastUpdate
	for _, h := range r.holdings[2:] {
		if h.LastUpdate.Before(oldest) {
			oldest = h.LastUpdate
		}
	}
	return oldest
}
