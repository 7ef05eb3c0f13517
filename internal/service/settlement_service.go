package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/ledger"
	"github.com/alanyoungcy/vaultd/internal/registry"
)

// SettlementService drives the manager-triggered settlement operations:
// valuation, execution, withdraw-group funding, and fee accrual. Every engine
// transition is mirrored to the stores and announced on the signal bus.
type SettlementService struct {
	engine   *ledger.Engine
	registry *registry.Registry
	operator common.Address // manager-role identity used for engine calls
	requests domain.RequestStore
	batches  domain.SettlementStore
	fees     domain.FeeEventStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService. The operator address must
// hold the manager role in the engine's access policy. Stores and bus may be
// nil in paper mode.
func NewSettlementService(
	engine *ledger.Engine,
	reg *registry.Registry,
	operator common.Address,
	requests domain.RequestStore,
	batches domain.SettlementStore,
	fees domain.FeeEventStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		engine:   engine,
		registry: reg,
		operator: operator,
		requests: requests,
		batches:  batches,
		fees:     fees,
		bus:      bus,
		audit:    audit,
		logger:   logger.With(slog.String("component", "settlement_service")),
	}
}

// ValuateDeposits prices up to maxCount queued deposits and mirrors the
// assigned shares to the request store.
func (s *SettlementService) ValuateDeposits(ctx context.Context, maxCount int) ([]domain.DepositRequest, error) {
	valuated, err := s.engine.ValuateDeposits(ctx, s.operator, maxCount)
	if err != nil {
		return valuated, err
	}
	for _, req := range valuated {
		s.markDepositValuated(ctx, req)
	}
	return valuated, nil
}

// ExecuteDeposits mints shares for matured deposits, optionally forwarding
// the batch to a connector, and persists the executed batch.
func (s *SettlementService) ExecuteDeposits(ctx context.Context, maxCount int, connector common.Address, routing []byte) (*domain.SettlementBatch, error) {
	batch, err := s.engine.ExecuteDeposits(ctx, s.operator, maxCount, connector, routing)
	if err != nil || batch == nil {
		return batch, err
	}
	s.persistBatch(ctx, batch)
	return batch, nil
}

// ValuateWithdraws prices up to maxCount queued withdraws, accumulating their
// claims into the pending withdraw group.
func (s *SettlementService) ValuateWithdraws(ctx context.Context, maxCount int) ([]domain.WithdrawRequest, error) {
	valuated, err := s.engine.ValuateWithdraws(ctx, s.operator, maxCount)
	if err != nil {
		return valuated, err
	}
	for _, req := range valuated {
		s.markWithdrawValuated(ctx, req)
	}
	return valuated, nil
}

// Group returns a snapshot of the active withdraw group.
func (s *SettlementService) Group() domain.WithdrawGroup {
	return s.engine.Group()
}

// StartWithdrawGroup opens the accumulated claim batch for funding.
func (s *SettlementService) StartWithdrawGroup(ctx context.Context) error {
	return s.engine.StartWithdrawGroup(ctx, s.operator)
}

// RetrieveAssets executes an explicit retrieval plan against connectors.
func (s *SettlementService) RetrieveAssets(ctx context.Context, plan []ledger.RetrievalRequest) (*big.Int, error) {
	return s.engine.RetrieveAssets(ctx, s.operator, plan)
}

// PlanRetrieval builds the automated funding plan for the active group: when
// the idle balance does not cover the claim, the full claim is requested from
// the first holding's reporting connector. Whatever the connector cannot
// return surfaces as the group's pro-rata shortfall at fulfillment. Returns
// nil when no retrieval is needed or no connector is available.
func (s *SettlementService) PlanRetrieval(ctx context.Context) []ledger.RetrievalRequest {
	group := s.engine.Group()
	if !group.Started || group.Fulfilled || domain.IsZero(group.TotalClaim) {
		return nil
	}
	if s.engine.LiquidBalance().Cmp(group.TotalClaim) >= 0 {
		return nil
	}

	holdings := s.registry.Holdings()
	if len(holdings) == 0 {
		s.logger.WarnContext(ctx, "group underfunded with no holdings to retrieve from",
			slog.String("claim", group.TotalClaim.String()),
		)
		return nil
	}
	return []ledger.RetrievalRequest{{
		Connector: holdings[0].ReportingConnector,
		Amount:    domain.Clone(group.TotalClaim),
	}}
}

// FulfillWithdrawGroup reserves liquidity for the active group.
func (s *SettlementService) FulfillWithdrawGroup(ctx context.Context) error {
	if err := s.engine.FulfillWithdrawGroup(ctx, s.operator); err != nil {
		return err
	}
	group := s.engine.Group()
	if group.TotalAvailable.Cmp(group.TotalClaim) < 0 {
		s.publishEvent(ctx, ChannelSettlement, map[string]any{
			"event":     "group_shortfall",
			"claim":     group.TotalClaim.String(),
			"available": group.TotalAvailable.String(),
		})
	}
	return nil
}

// ExecuteWithdraws pays out matured requests of the fulfilled group and
// persists the executed batch.
func (s *SettlementService) ExecuteWithdraws(ctx context.Context, maxCount int) ([]ledger.Payout, *domain.SettlementBatch, error) {
	payouts, batch, err := s.engine.ExecuteWithdraws(ctx, s.operator, maxCount)
	if err != nil || batch == nil {
		return payouts, batch, err
	}
	s.persistBatch(ctx, batch)
	return payouts, batch, nil
}

// RecordProfitSnapshot accrues the performance fee and persists the event.
func (s *SettlementService) RecordProfitSnapshot(ctx context.Context) (*ledger.FeeAccrual, error) {
	accrual, err := s.engine.RecordProfitSnapshot(ctx, s.operator)
	if err != nil {
		return nil, err
	}
	s.persistFee(ctx, accrual)
	return accrual, nil
}

// CheckProfitDrop burns escrowed fee shares when profit fell and persists
// the reversal.
func (s *SettlementService) CheckProfitDrop(ctx context.Context) (*ledger.FeeAccrual, error) {
	accrual, err := s.engine.CheckProfitDrop(ctx, s.operator)
	if err != nil {
		return nil, err
	}
	s.persistFee(ctx, accrual)
	return accrual, nil
}

// DistributeFeeShares moves vested escrow to the fee receiver and persists
// the distribution.
func (s *SettlementService) DistributeFeeShares(ctx context.Context) (*ledger.FeeAccrual, error) {
	accrual, err := s.engine.DistributeFeeShares(ctx, s.operator)
	if err != nil {
		return nil, err
	}
	s.persistFee(ctx, accrual)
	return accrual, nil
}

// CollectManagementFee accrues the periodic management fee and persists the
// event.
func (s *SettlementService) CollectManagementFee(ctx context.Context) (*ledger.FeeAccrual, error) {
	accrual, err := s.engine.CollectManagementFee(ctx, s.operator)
	if err != nil {
		return nil, err
	}
	s.persistFee(ctx, accrual)
	return accrual, nil
}

// RunFeeCycle performs one scheduled fee pass: profit snapshot, distribution
// of any vested escrow, and management accrual. Distribution gates that
// merely mean "not yet" or "nothing pending" are not errors.
func (s *SettlementService) RunFeeCycle(ctx context.Context) error {
	if _, err := s.RecordProfitSnapshot(ctx); err != nil {
		return err
	}
	if _, err := s.DistributeFeeShares(ctx); err != nil {
		if !errors.Is(err, domain.ErrFeeNotVested) &&
			!errors.Is(err, domain.ErrFeeWindowClosed) &&
			!errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	if _, err := s.CollectManagementFee(ctx); err != nil {
		return err
	}
	return nil
}

// RecentBatches returns the most recently executed settlement batches.
func (s *SettlementService) RecentBatches(ctx context.Context, limit int) ([]domain.SettlementBatch, error) {
	if s.batches == nil {
		return nil, nil
	}
	return s.batches.ListRecent(ctx, limit)
}

// RecentFeeEvents returns the most recent fee accrual events.
func (s *SettlementService) RecentFeeEvents(ctx context.Context, limit int) ([]domain.FeeEvent, error) {
	if s.fees == nil {
		return nil, nil
	}
	return s.fees.ListRecent(ctx, limit)
}

func (s *SettlementService) markDepositValuated(ctx context.Context, req domain.DepositRequest) {
	if s.requests == nil {
		return
	}
	if err := s.requests.MarkDepositValuated(ctx, req.Seq, req.Shares, req.CalculatedAt); err != nil {
		s.logger.WarnContext(ctx, "mark deposit valuated failed",
			slog.Uint64("seq", req.Seq),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) markWithdrawValuated(ctx context.Context, req domain.WithdrawRequest) {
	if s.requests == nil {
		return
	}
	if err := s.requests.MarkWithdrawValuated(ctx, req.Seq, req.BaseAmount, req.CalculatedAt); err != nil {
		s.logger.WarnContext(ctx, "mark withdraw valuated failed",
			slog.Uint64("seq", req.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// persistBatch mirrors an executed batch: per-request executed stamps, the
// batch row, a stream append for durable consumers, and a pub/sub event.
func (s *SettlementService) persistBatch(ctx context.Context, batch *domain.SettlementBatch) {
	if s.requests != nil {
		for seq := batch.FirstSeq; seq < batch.LastSeq; seq++ {
			if err := s.requests.MarkExecuted(ctx, batch.Kind, seq, batch.ExecutedAt); err != nil {
				s.logger.WarnContext(ctx, "mark executed failed",
					slog.String("kind", string(batch.Kind)),
					slog.Uint64("seq", seq),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if s.batches != nil {
		if err := s.batches.Insert(ctx, *batch); err != nil {
			s.logger.WarnContext(ctx, "insert settlement batch failed",
				slog.String("kind", string(batch.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	s.auditEvent(ctx, "batch_executed", map[string]any{
		"kind":         string(batch.Kind),
		"count":        batch.Count,
		"total_base":   batch.TotalBase.String(),
		"total_shares": batch.TotalShares.String(),
	})
	s.publishEvent(ctx, ChannelSettlement, map[string]any{
		"event":        "batch_executed",
		"kind":         string(batch.Kind),
		"first_seq":    batch.FirstSeq,
		"last_seq":     batch.LastSeq,
		"count":        batch.Count,
		"total_base":   batch.TotalBase.String(),
		"total_shares": batch.TotalShares.String(),
	})
}

func (s *SettlementService) persistFee(ctx context.Context, accrual *ledger.FeeAccrual) {
	if accrual == nil {
		return
	}
	if s.fees != nil {
		evt := domain.FeeEvent{
			Kind:       accrual.Kind,
			Shares:     accrual.Shares,
			Base:       accrual.Base,
			OccurredAt: accrual.At,
		}
		if err := s.fees.Insert(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, "insert fee event failed",
				slog.String("kind", string(accrual.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	s.publishEvent(ctx, ChannelFees, map[string]any{
		"event":  "fee_accrued",
		"kind":   string(accrual.Kind),
		"shares": accrual.Shares.String(),
		"base":   accrual.Base.String(),
	})
}

func (s *SettlementService) publishEvent(ctx context.Context, channel string, payload map[string]any) {
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
	if err := s.bus.StreamAppend(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) auditEvent(ctx context.Context, event string, detail map[string]any) {
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
