// Package sim provides an in-process connector and price source for paper
// trading and tests. The connector invests base assets into a single
// synthetic position whose value tracks an underlying asset through the
// value oracle.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// Connector simulates an external protocol connector. AcceptFunds converts
// incoming base assets into units of the underlying asset at the oracle
// rate; ReportValue converts the held units back. Accrue applies synthetic
// yield to the held units.
type Connector struct {
	mu sync.Mutex

	addr       common.Address
	underlying common.Address
	oracle     domain.ValueOracle
	minSources int
	logger     *slog.Logger

	// credit pushes returned base assets back into the engine's liquid
	// balance. Wired after engine construction to break the cycle.
	credit func(*big.Int)

	units *big.Int // held amount of the underlying asset
}

// NewConnector creates a simulated connector identified by addr, investing
// into underlying.
func NewConnector(addr, underlying common.Address, oracle domain.ValueOracle, minSources int, logger *slog.Logger) *Connector {
	return &Connector{
		addr:       addr,
		underlying: underlying,
		oracle:     oracle,
		minSources: minSources,
		logger:     logger.With(slog.String("component", "sim_connector")),
		units:      new(big.Int),
	}
}

// SetCredit wires the engine's liquid-credit callback.
func (c *Connector) SetCredit(credit func(*big.Int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit = credit
}

// Address returns the connector's identity.
func (c *Connector) Address() common.Address { return c.addr }

// AcceptFunds converts amount of asset into underlying units at the oracle
// rate and adds them to the position.
func (c *Connector) AcceptFunds(ctx context.Context, asset common.Address, amount *big.Int, routing []byte) (*big.Int, error) {
	units, err := c.oracle.GetValue(ctx, asset, c.underlying, amount, c.minSources)
	if err != nil {
		return nil, fmt.Errorf("sim: accept funds: %w", err)
	}

	c.mu.Lock()
	c.units.Add(c.units, units)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "funds accepted",
		slog.String("amount", amount.String()),
		slog.String("units", units.String()),
	)
	return domain.Clone(amount), nil
}

// ReturnFunds unwinds up to amount of asset back to the engine, credited
// through the wired callback. Returns the amount actually returned.
func (c *Connector) ReturnFunds(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	c.mu.Lock()
	held := domain.Clone(c.units)
	c.mu.Unlock()

	value, err := c.oracle.GetValue(ctx, c.underlying, asset, held, c.minSources)
	if err != nil {
		return nil, fmt.Errorf("sim: return funds: %w", err)
	}

	returned := domain.Clone(amount)
	if value.Cmp(amount) < 0 {
		returned = value
	}

	var unitsOut *big.Int
	if value.Sign() > 0 {
		unitsOut = domain.MulDiv(held, returned, value)
	} else {
		unitsOut = new(big.Int)
	}

	c.mu.Lock()
	c.units.Sub(c.units, unitsOut)
	credit := c.credit
	c.mu.Unlock()

	if credit != nil {
		credit(domain.Clone(returned))
	}

	c.logger.InfoContext(ctx, "funds returned",
		slog.String("requested", amount.String()),
		slog.String("returned", returned.String()),
	)
	return returned, nil
}

// ReportValue values the synthetic position in baseAsset at the oracle
// rate. The holding's identity is ignored: the connector has exactly one
// position.
func (c *Connector) ReportValue(ctx context.Context, pos domain.HoldingPosition, baseAsset common.Address) (*big.Int, error) {
	c.mu.Lock()
	held := domain.Clone(c.units)
	c.mu.Unlock()

	value, err := c.oracle.GetValue(ctx, c.underlying, baseAsset, held, c.minSources)
	if err != nil {
		return nil, fmt.Errorf("sim: report value: %w", err)
	}
	return value, nil
}

// Accrue applies synthetic yield (positive or negative, in basis points) to
// the held units.
func (c *Connector) Accrue(bps int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	factor := big.NewInt(domain.BpsDenom + bps)
	c.units = domain.MulDiv(c.units, factor, big.NewInt(domain.BpsDenom))
}

// Units returns the currently held underlying units.
func (c *Connector) Units() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Clone(c.units)
}

// Compile-time interface check.
var _ domain.Connector = (*Connector)(nil)
