package sim

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

var (
	connAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	baseAsset  = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	underlying = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

// sourceOracle adapts a single Source to the ValueOracle interface, ignoring
// the minimum-source requirement.
type sourceOracle struct {
	src *Source
}

func (o *sourceOracle) GetValue(ctx context.Context, asset, base common.Address, amount *big.Int, minSources int) (*big.Int, error) {
	return o.src.GetValue(ctx, asset, base, amount)
}

// newTestConnector builds a connector over a 2:1 underlying/base rate.
func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	src := NewSource()
	// 1 underlying = 2 base.
	src.SetRate(underlying, baseAsset, new(big.Int).Mul(big.NewInt(2), RateScale))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConnector(connAddr, underlying, &sourceOracle{src: src}, 1, logger)
}

func TestSourceRatesAndInverse(t *testing.T) {
	src := NewSource()
	src.SetRate(underlying, baseAsset, new(big.Int).Mul(big.NewInt(4), RateScale))
	ctx := t.Context()

	v, err := src.GetValue(ctx, underlying, baseAsset, big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, int64(40), v.Int64())

	// The inverse pair is derived automatically.
	v, err = src.GetValue(ctx, baseAsset, underlying, big.NewInt(40))
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Int64())

	// Identity conversion needs no configured rate.
	v, err = src.GetValue(ctx, baseAsset, baseAsset, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64())
}

func TestAcceptFundsConvertsToUnits(t *testing.T) {
	c := newTestConnector(t)

	accepted, err := c.AcceptFunds(t.Context(), baseAsset, big.NewInt(100), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), accepted.Int64())
	// 100 base at 2 base/unit buys 50 units.
	assert.Equal(t, int64(50), c.Units().Int64())
}

func TestReportValueTracksRate(t *testing.T) {
	c := newTestConnector(t)
	ctx := t.Context()

	_, err := c.AcceptFunds(ctx, baseAsset, big.NewInt(100), nil)
	require.NoError(t, err)

	v, err := c.ReportValue(ctx, domain.HoldingPosition{}, baseAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.Int64())
}

func TestReturnFundsCreditsEngine(t *testing.T) {
	c := newTestConnector(t)
	ctx := t.Context()

	credited := new(big.Int)
	c.SetCredit(func(amount *big.Int) { credited.Add(credited, amount) })

	_, err := c.AcceptFunds(ctx, baseAsset, big.NewInt(100), nil)
	require.NoError(t, err)

	returned, err := c.ReturnFunds(ctx, baseAsset, big.NewInt(60))
	require.NoError(t, err)
	assert.Equal(t, int64(60), returned.Int64())
	assert.Equal(t, int64(60), credited.Int64())
	// 60 base at 2 base/unit unwinds 30 of the 50 units.
	assert.Equal(t, int64(20), c.Units().Int64())
}

func TestReturnFundsCapsAtPositionValue(t *testing.T) {
	c := newTestConnector(t)
	ctx := t.Context()

	_, err := c.AcceptFunds(ctx, baseAsset, big.NewInt(100), nil)
	require.NoError(t, err)

	returned, err := c.ReturnFunds(ctx, baseAsset, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, int64(100), returned.Int64())
	assert.Equal(t, int64(0), c.Units().Int64())
}

func TestAccrueAppliesYield(t *testing.T) {
	c := newTestConnector(t)

	_, err := c.AcceptFunds(t.Context(), baseAsset, big.NewInt(200), nil)
	require.NoError(t, err)
	require.Equal(t, int64(100), c.Units().Int64())

	c.Accrue(500) // +5%
	assert.Equal(t, int64(105), c.Units().Int64())

	c.Accrue(-1000) // -10%, truncated
	assert.Equal(t, int64(94), c.Units().Int64())
}
