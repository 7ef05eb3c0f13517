package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/registry"
)

// RegistryService exposes the position registry's configuration and
// reporting surface, audit-logging governor actions.
type RegistryService struct {
	registry *registry.Registry
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewRegistryService creates a RegistryService. audit may be nil in paper
// mode.
func NewRegistryService(reg *registry.Registry, audit domain.AuditStore, logger *slog.Logger) *RegistryService {
	return &RegistryService{
		registry: reg,
		audit:    audit,
		logger:   logger.With(slog.String("component", "registry_service")),
	}
}

// TrustToken adds a token to the trusted list.
func (s *RegistryService) TrustToken(ctx context.Context, caller, token common.Address) error {
	if err := s.registry.TrustToken(caller, token); err != nil {
		return err
	}
	s.log(ctx, "token_trusted", map[string]any{"caller": caller.Hex(), "token": token.Hex()})
	return nil
}

// DistrustToken removes a token from the trusted list.
func (s *RegistryService) DistrustToken(ctx context.Context, caller, token common.Address) error {
	if err := s.registry.DistrustToken(caller, token); err != nil {
		return err
	}
	s.log(ctx, "token_distrusted", map[string]any{"caller": caller.Hex(), "token": token.Hex()})
	return nil
}

// EnableConnector authorizes a connector to report positions.
func (s *RegistryService) EnableConnector(ctx context.Context, caller common.Address, conn domain.Connector) error {
	if err := s.registry.EnableConnector(caller, conn); err != nil {
		return err
	}
	s.log(ctx, "connector_enabled", map[string]any{"caller": caller.Hex(), "connector": conn.Address().Hex()})
	return nil
}

// DisableConnector revokes a connector's authorization.
func (s *RegistryService) DisableConnector(ctx context.Context, caller, addr common.Address) error {
	if err := s.registry.DisableConnector(caller, addr); err != nil {
		return err
	}
	s.log(ctx, "connector_disabled", map[string]any{"caller": caller.Hex(), "connector": addr.Hex()})
	return nil
}

// RegisterBlueprint authorizes a class of position and returns its content
// id.
func (s *RegistryService) RegisterBlueprint(ctx context.Context, caller common.Address, bp domain.PositionBlueprint) (common.Hash, error) {
	id, err := s.registry.RegisterBlueprint(caller, bp)
	if err != nil {
		return common.Hash{}, err
	}
	s.log(ctx, "blueprint_registered", map[string]any{
		"caller":    caller.Hex(),
		"blueprint": id.Hex(),
		"connector": bp.CalculatorConnector.Hex(),
	})
	return id, nil
}

// UnregisterBlueprint removes a blueprint with no open holdings.
func (s *RegistryService) UnregisterBlueprint(ctx context.Context, caller common.Address, id common.Hash) error {
	if err := s.registry.UnregisterBlueprint(caller, id); err != nil {
		return err
	}
	s.log(ctx, "blueprint_unregistered", map[string]any{"caller": caller.Hex(), "blueprint": id.Hex()})
	return nil
}

// UpsertHolding creates, updates, or removes a holding on behalf of the
// reporting connector.
func (s *RegistryService) UpsertHolding(
	reporter common.Address,
	blueprintID common.Hash,
	data, extraData []byte,
	remove bool,
	lastUpdate time.Time,
) (int, error) {
	return s.registry.UpsertHolding(reporter, blueprintID, data, extraData, remove, lastUpdate)
}

// Holdings returns a snapshot of all live holdings.
func (s *RegistryService) Holdings() []domain.HoldingPosition {
	return s.registry.Holdings()
}

// OldestUpdate returns the settlement fairness anchor.
func (s *RegistryService) OldestUpdate(now time.Time) time.Time {
	return s.registry.OldestUpdate(now)
}

func (s *RegistryService) log(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
