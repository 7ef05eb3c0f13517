package oracle

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
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	baseB  = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

// fixedSource returns the same value for every query.
type fixedSource struct {
	value *big.Int
	err   error
}

func (s *fixedSource) GetValue(ctx context.Context, asset, base common.Address, amount *big.Int) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return domain.Clone(s.value), nil
}

func newTestOracle(maxDevBps int64, values ...int64) *Oracle {
	o := New(maxDevBps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, v := range values {
		o.AddSource(assetA, &fixedSource{value: big.NewInt(v)})
	}
	return o
}

func TestGetValueIdentityAndZero(t *testing.T) {
	o := newTestOracle(300)
	ctx := t.Context()

	// Identity conversion never touches a source.
	v, err := o.GetValue(ctx, assetA, assetA, big.NewInt(42), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())

	// Zero amounts short-circuit too.
	v, err = o.GetValue(ctx, assetA, baseB, new(big.Int), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int64())
}

func TestGetValueUnavailableWithoutSources(t *testing.T) {
	o := newTestOracle(300)
	_, err := o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 1)
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
}

func TestGetValueRequiresMinSources(t *testing.T) {
	o := newTestOracle(300, 100)
	ctx := t.Context()

	v, err := o.GetValue(ctx, assetA, baseB, big.NewInt(100), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.Int64())

	_, err = o.GetValue(ctx, assetA, baseB, big.NewInt(100), 2)
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
}

func TestGetValueFallsBackToDefaultSources(t *testing.T) {
	o := newTestOracle(300)
	o.AddDefaultSource(baseB, &fixedSource{value: big.NewInt(77)})

	v, err := o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(77), v.Int64())
}

func TestConsensusTruncatedMean(t *testing.T) {
	// (100 + 103) / 2 = 101 (truncated); spread is exactly 300 bps, which is
	// within a 300 bps limit.
	o := newTestOracle(300, 100, 103)
	v, err := o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(101), v.Int64())
}

func TestConsensusDeviationExceeded(t *testing.T) {
	o := newTestOracle(200, 100, 103)
	_, err := o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 2)
	assert.ErrorIs(t, err, domain.ErrDeviationExceeded)
}

func TestConsensusPairDeviationOverride(t *testing.T) {
	o := newTestOracle(10_000, 100, 103)
	o.SetPairDeviation(assetA, baseB, 100)
	_, err := o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 2)
	assert.ErrorIs(t, err, domain.ErrDeviationExceeded)
}

func TestConsensusZeroQuotes(t *testing.T) {
	// All sources at zero: no usable price.
	o := newTestOracle(300, 0, 0)
	_, err := o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 2)
	assert.ErrorIs(t, err, domain.ErrNoPriceAvailable)

	// One zero quote among live ones is an unbounded spread.
	o = newTestOracle(300, 0, 10)
	_, err = o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 2)
	assert.ErrorIs(t, err, domain.ErrDeviationExceeded)
}

func TestConsensusSourceFailureAborts(t *testing.T) {
	o := newTestOracle(300, 100)
	o.AddSource(assetA, &fixedSource{err: assert.AnError})
	_, err := o.GetValue(t.Context(), assetA, baseB, big.NewInt(100), 2)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLeafAdapter(t *testing.T) {
	o := newTestOracle(300, 100, 102)
	leaf := o.Leaf(2)

	v, err := leaf.GetValue(t.Context(), assetA, baseB, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(101), v.Int64())
}
