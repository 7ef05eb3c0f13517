// Package oracle resolves asset values through one or more price sources
// with consensus averaging and deviation checking.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// Pair keys per-pair deviation overrides.
type Pair struct {
	Asset common.Address
	Base  common.Address
}

// Oracle is a multi-source value oracle. Asset-specific source lists take
// priority; when an asset has fewer sources than required, the base
// currency's default list is consulted instead.
type Oracle struct {
	sources         map[common.Address][]domain.PriceSource // per asset
	defaults        map[common.Address][]domain.PriceSource // per base currency
	maxDeviationBps int64
	pairDeviation   map[Pair]int64
	logger          *slog.Logger
}

// New creates an Oracle with the given default maximum deviation in basis
// points.
func New(maxDeviationBps int64, logger *slog.Logger) *Oracle {
	return &Oracle{
		sources:         make(map[common.Address][]domain.PriceSource),
		defaults:        make(map[common.Address][]domain.PriceSource),
		maxDeviationBps: maxDeviationBps,
		pairDeviation:   make(map[Pair]int64),
		logger:          logger.With(slog.String("component", "oracle")),
	}
}

// AddSource registers a price source for a specific asset.
func (o *Oracle) AddSource(asset common.Address, src domain.PriceSource) {
	o.sources[asset] = append(o.sources[asset], src)
}

// AddDefaultSource registers a fallback source for a base currency, used for
// any asset without enough sources of its own.
func (o *Oracle) AddDefaultSource(base common.Address, src domain.PriceSource) {
	o.defaults[base] = append(o.defaults[base], src)
}

// SetPairDeviation overrides the maximum deviation for one (asset, base)
// pair.
func (o *Oracle) SetPairDeviation(asset, base common.Address, bps int64) {
	o.pairDeviation[Pair{Asset: asset, Base: base}] = bps
}

// GetValue returns the value of amount of asset denominated in base, using
// at least minSources price sources. Identity conversions and zero amounts
// short-circuit without touching any source.
func (o *Oracle) GetValue(ctx context.Context, asset, base common.Address, amount *big.Int, minSources int) (*big.Int, error) {
	if asset == base {
		return domain.Clone(amount), nil
	}
	if domain.IsZero(amount) {
		return new(big.Int), nil
	}

	list := o.sources[asset]
	if len(list) < minSources {
		list = o.defaults[base]
	}
	if len(list) < minSources || len(list) == 0 {
		return nil, fmt.Errorf("oracle: %s/%s needs %d sources, have %d: %w",
			asset, base, minSources, len(list), domain.ErrOracleUnavailable)
	}

	return o.consensus(ctx, asset, base, amount, list)
}

// consensus queries every source and returns the truncated arithmetic mean,
// rejecting the result when min/max spread exceeds the configured deviation.
func (o *Oracle) consensus(ctx context.Context, asset, base common.Address, amount *big.Int, list []domain.PriceSource) (*big.Int, error) {
	if len(list) == 1 {
		value, err := list[0].GetValue(ctx, asset, base, amount)
		if err != nil {
			return nil, fmt.Errorf("oracle: source query %s/%s: %w", asset, base, err)
		}
		return value, nil
	}

	sum := new(big.Int)
	var min, max *big.Int
	for i, src := range list {
		value, err := src.GetValue(ctx, asset, base, amount)
		if err != nil {
			return nil, fmt.Errorf("oracle: source %d query %s/%s: %w", i, asset, base, err)
		}
		sum.Add(sum, value)
		if min == nil || value.Cmp(min) < 0 {
			min = value
		}
		if max == nil || value.Cmp(max) > 0 {
			max = value
		}
	}

	avg := new(big.Int).Quo(sum, big.NewInt(int64(len(list))))
	if avg.Sign() == 0 {
		return nil, fmt.Errorf("oracle: %s/%s: %w", asset, base, domain.ErrNoPriceAvailable)
	}

	maxDev := o.maxDeviationBps
	if bps, ok := o.pairDeviation[Pair{Asset: asset, Base: base}]; ok {
		maxDev = bps
	}

	// deviation = max*10000/min - 10000, in basis points.
	if min.Sign() == 0 {
		return nil, fmt.Errorf("oracle: %s/%s: zero low quote: %w", asset, base, domain.ErrDeviationExceeded)
	}
	dev := new(big.Int).Mul(max, big.NewInt(domain.BpsDenom))
	dev.Quo(dev, min)
	dev.Sub(dev, big.NewInt(domain.BpsDenom))
	if dev.Cmp(big.NewInt(maxDev)) > 0 {
		o.logger.Warn("price deviation exceeded",
			slog.String("asset", asset.Hex()),
			slog.String("base", base.Hex()),
			slog.String("deviation_bps", dev.String()),
			slog.Int64("max_bps", maxDev),
		)
		return nil, fmt.Errorf("oracle: %s/%s deviation %s bps over %d: %w",
			asset, base, dev, maxDev, domain.ErrDeviationExceeded)
	}

	return avg, nil
}

// leaf adapts the Oracle to the single-source PriceSource capability so it
// can feed another oracle.
type leaf struct {
	oracle     *Oracle
	minSources int
}

// Leaf returns the oracle as a PriceSource requiring minSources under the
// hood.
func (o *Oracle) Leaf(minSources int) domain.PriceSource {
	return &leaf{oracle: o, minSources: minSources}
}

func (l *leaf) GetValue(ctx context.Context, asset, base common.Address, amount *big.Int) (*big.Int, error) {
	return l.oracle.GetValue(ctx, asset, base, amount, l.minSources)
}

// Compile-time interface checks.
var (
	_ domain.ValueOracle = (*Oracle)(nil)
	_ domain.PriceSource = (*leaf)(nil)
)
