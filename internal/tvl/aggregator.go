// Package tvl computes the total vault value backing the share supply.
package tvl

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/registry"
)

// Aggregator walks the position registry and folds every holding's reported
// value into a net total.
type Aggregator struct {
	registry *registry.Registry
}

// NewAggregator creates an Aggregator over the given registry.
func NewAggregator(reg *registry.Registry) *Aggregator {
	return &Aggregator{registry: reg}
}

// ComputeTVL sums each live holding's value in baseAsset via its blueprint's
// calculator connector. Debt-flagged blueprints accumulate into a debt total
// instead; the result is max(0, totalValue - totalDebt). Any connector
// failure aborts the computation rather than producing a partial NAV.
func (a *Aggregator) ComputeTVL(ctx context.Context, baseAsset common.Address) (*big.Int, error) {
	totalValue := new(big.Int)
	totalDebt := new(big.Int)

	for _, holding := range a.registry.Holdings() {
		bp, err := a.registry.Blueprint(holding.BlueprintID)
		if err != nil {
			return nil, fmt.Errorf("tvl: blueprint %s: %w", holding.BlueprintID, err)
		}
		conn, err := a.registry.Connector(bp.CalculatorConnector)
		if err != nil {
			return nil, fmt.Errorf("tvl: calculator %s: %w", bp.CalculatorConnector, err)
		}
		value, err := conn.ReportValue(ctx, holding, baseAsset)
		if err != nil {
			return nil, fmt.Errorf("tvl: report position %s: %w", holding.ID, err)
		}
		if bp.IsDebt {
			totalDebt.Add(totalDebt, value)
		} else {
			totalValue.Add(totalValue, value)
		}
	}

	return domain.ClampZero(totalValue.Sub(totalValue, totalDebt)), nil
}

// LatestUpdateTime returns the oldest position update timestamp, or now when
// no positions exist. Settlement uses it to gate fair pricing of queued
// requests.
func (a *Aggregator) LatestUpdateTime(now time.Time) time.Time {
	return a.registry.OldestUpdate(now)
}
