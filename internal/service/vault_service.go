// Package service glues the settlement engine to persistence, the signal
// bus, and the audit log. Services never hold engine state; the engine is
// authoritative and the stores are durable mirrors written after each
// committed transition.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/ledger"
)

// Signal bus channels for vault lifecycle events.
const (
	ChannelRequests   = "vault:requests"
	ChannelSettlement = "vault:settlement"
	ChannelFees       = "vault:fees"
	ChannelAdmin      = "vault:admin"
)

// VaultService is the public query and enqueue surface of the vault. It
// persists request lifecycle rows, publishes events on the signal bus, and
// audit-logs administrative actions.
type VaultService struct {
	engine   *ledger.Engine
	requests domain.RequestStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewVaultService creates a VaultService with all required dependencies.
// requests, bus, and audit may be nil in paper mode; the corresponding
// side effects are skipped.
func NewVaultService(
	engine *ledger.Engine,
	requests domain.RequestStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *VaultService {
	return &VaultService{
		engine:   engine,
		requests: requests,
		bus:      bus,
		audit:    audit,
		logger:   logger.With(slog.String("component", "vault_service")),
	}
}

// EnqueueDeposit queues a deposit for receiver. The engine commit is
// authoritative; persistence or publish failures are logged but do not fail
// the request.
func (s *VaultService) EnqueueDeposit(ctx context.Context, receiver common.Address, amount *big.Int) (domain.DepositRequest, error) {
	req, err := s.engine.EnqueueDeposit(ctx, receiver, amount)
	if err != nil {
		return domain.DepositRequest{}, err
	}

	if s.requests != nil {
		if storeErr := s.requests.RecordDeposit(ctx, req); storeErr != nil {
			s.logger.WarnContext(ctx, "record deposit failed",
				slog.Uint64("seq", req.Seq),
				slog.String("error", storeErr.Error()),
			)
		}
	}
	s.publish(ctx, ChannelRequests, map[string]any{
		"event":    "deposit_enqueued",
		"seq":      req.Seq,
		"receiver": req.Receiver.Hex(),
		"amount":   req.BaseAmount.String(),
	})
	return req, nil
}

// EnqueueWithdraw queues a withdraw of the owner's shares toward receiver.
func (s *VaultService) EnqueueWithdraw(ctx context.Context, owner, receiver common.Address, shares *big.Int) (domain.WithdrawRequest, error) {
	req, err := s.engine.EnqueueWithdraw(ctx, owner, receiver, shares)
	if err != nil {
		return domain.WithdrawRequest{}, err
	}

	if s.requests != nil {
		if storeErr := s.requests.RecordWithdraw(ctx, req); storeErr != nil {
			s.logger.WarnContext(ctx, "record withdraw failed",
				slog.Uint64("seq", req.Seq),
				slog.String("error", storeErr.Error()),
			)
		}
	}
	s.publish(ctx, ChannelRequests, map[string]any{
		"event":    "withdraw_enqueued",
		"seq":      req.Seq,
		"owner":    req.Owner.Hex(),
		"receiver": req.Receiver.Hex(),
		"shares":   req.Shares.String(),
	})
	return req, nil
}

// VaultStatus is a point-in-time snapshot of the vault's public state.
type VaultStatus struct {
	TVL           *big.Int
	TotalShares   *big.Int
	Liquid        *big.Int
	Paused        bool
	DepositQueue  ledger.QueueStatus
	WithdrawQueue ledger.QueueStatus
	Group         domain.WithdrawGroup
	WithdrawFees  *big.Int
	At            time.Time
}

// Status assembles the vault status snapshot.
func (s *VaultService) Status(ctx context.Context) (VaultStatus, error) {
	nav, err := s.engine.TVL(ctx)
	if err != nil {
		return VaultStatus{}, err
	}
	return VaultStatus{
		TVL:           nav,
		TotalShares:   s.engine.TotalShares(),
		Liquid:        s.engine.LiquidBalance(),
		Paused:        s.engine.Paused(),
		DepositQueue:  s.engine.DepositQueueStatus(),
		WithdrawQueue: s.engine.WithdrawQueueStatus(),
		Group:         s.engine.Group(),
		WithdrawFees:  s.engine.WithdrawFeeAccrued(),
		At:            time.Now().UTC(),
	}, nil
}

// QuoteNAV converts the vault NAV into the given quote asset.
func (s *VaultService) QuoteNAV(ctx context.Context, quote common.Address) (*big.Int, error) {
	return s.engine.QuoteNAV(ctx, quote)
}

// BalanceOf returns addr's share balance.
func (s *VaultService) BalanceOf(addr common.Address) *big.Int {
	return s.engine.BalanceOf(addr)
}

// SpendableOf returns addr's balance net of withdraw-locked shares.
func (s *VaultService) SpendableOf(addr common.Address) *big.Int {
	return s.engine.SpendableOf(addr)
}

// Pause activates the emergency pause.
func (s *VaultService) Pause(ctx context.Context, caller common.Address) error {
	if err := s.engine.Pause(caller); err != nil {
		return err
	}
	s.auditLog(ctx, "vault_paused", map[string]any{"caller": caller.Hex()})
	s.publish(ctx, ChannelAdmin, map[string]any{"event": "paused", "caller": caller.Hex()})
	return nil
}

// Unpause lifts the emergency pause.
func (s *VaultService) Unpause(ctx context.Context, caller common.Address) error {
	if err := s.engine.Unpause(caller); err != nil {
		return err
	}
	s.auditLog(ctx, "vault_unpaused", map[string]any{"caller": caller.Hex()})
	s.publish(ctx, ChannelAdmin, map[string]any{"event": "unpaused", "caller": caller.Hex()})
	return nil
}

// Rescue removes a misdirected non-base asset from the engine.
func (s *VaultService) Rescue(ctx context.Context, caller, asset common.Address, amount *big.Int) error {
	if err := s.engine.Rescue(caller, asset, amount); err != nil {
		return err
	}
	s.auditLog(ctx, "asset_rescued", map[string]any{
		"caller": caller.Hex(),
		"asset":  asset.Hex(),
		"amount": amount.String(),
	})
	return nil
}

// ResetCursor rewinds a queue's valuation cursor so the affected entries are
// valuated again.
func (s *VaultService) ResetCursor(ctx context.Context, caller common.Address, newMiddle uint64, kind domain.RequestKind) error {
	if err := s.engine.ResetCursor(caller, newMiddle, kind); err != nil {
		return err
	}
	s.auditLog(ctx, "cursor_reset", map[string]any{
		"caller": caller.Hex(),
		"queue":  string(kind),
		"middle": newMiddle,
	})
	return nil
}

func (s *VaultService) publish(ctx context.Context, channel string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *VaultService) auditLog(ctx context.Context, event string, detail map[string]any) {
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
