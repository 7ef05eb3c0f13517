package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// memQuoteCache is an in-memory QuoteCache.
type memQuoteCache struct {
	quotes map[[2]common.Address]*big.Int
	stamps map[[2]common.Address]time.Time
	setErr error
	getErr error
}

func newMemQuoteCache() *memQuoteCache {
	return &memQuoteCache{
		quotes: make(map[[2]common.Address]*big.Int),
		stamps: make(map[[2]common.Address]time.Time),
	}
}

func (c *memQuoteCache) SetQuote(ctx context.Context, asset, base common.Address, unit *big.Int, ts time.Time) error {
	if c.setErr != nil {
		return c.setErr
	}
	key := [2]common.Address{asset, base}
	c.quotes[key] = domain.Clone(unit)
	c.stamps[key] = ts
	return nil
}

func (c *memQuoteCache) GetQuote(ctx context.Context, asset, base common.Address) (*big.Int, time.Time, error) {
	if c.getErr != nil {
		return nil, time.Time{}, c.getErr
	}
	key := [2]common.Address{asset, base}
	unit, ok := c.quotes[key]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	return domain.Clone(unit), c.stamps[key], nil
}

// countingSource returns a linear unit rate and counts queries.
type countingSource struct {
	rate  int64 // base units per QuoteScale of asset
	calls int
}

func (s *countingSource) GetValue(ctx context.Context, asset, base common.Address, amount *big.Int) (*big.Int, error) {
	s.calls++
	return domain.MulDiv(amount, big.NewInt(s.rate), big.NewInt(1)), nil
}

func TestCachedSourceWriteThroughAndHit(t *testing.T) {
	cache := newMemQuoteCache()
	inner := &countingSource{rate: 2}
	cs := NewCachedSource(inner, cache, time.Minute)
	ctx := t.Context()

	// Miss: the inner source is queried once for a unit quote.
	v, err := cs.GetValue(ctx, assetA, baseB, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(200), v.Int64())
	assert.Equal(t, 1, inner.calls)

	// Fresh hit: scaled from the cached unit quote, inner untouched.
	v, err = cs.GetValue(ctx, assetA, baseB, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v.Int64())
	assert.Equal(t, 1, inner.calls)
}

func TestCachedSourceExpiredQuoteRefreshes(t *testing.T) {
	cache := newMemQuoteCache()
	inner := &countingSource{rate: 3}
	cs := NewCachedSource(inner, cache, time.Minute)
	ctx := t.Context()

	stale := new(big.Int).Mul(QuoteScale, big.NewInt(9))
	require.NoError(t, cache.SetQuote(ctx, assetA, baseB, stale, time.Now().Add(-2*time.Minute)))

	v, err := cs.GetValue(ctx, assetA, baseB, big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, int64(30), v.Int64())
	assert.Equal(t, 1, inner.calls)
}

func TestCachedSourceToleratesWriteFailure(t *testing.T) {
	cache := newMemQuoteCache()
	cache.setErr = assert.AnError
	inner := &countingSource{rate: 2}
	cs := NewCachedSource(inner, cache, time.Minute)

	v, err := cs.GetValue(t.Context(), assetA, baseB, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(200), v.Int64())
}

func TestCachedSourcePropagatesCacheReadError(t *testing.T) {
	cache := newMemQuoteCache()
	cache.getErr = assert.AnError
	cs := NewCachedSource(&countingSource{rate: 2}, cache, time.Minute)

	_, err := cs.GetValue(t.Context(), assetA, baseB, big.NewInt(100))
	assert.ErrorIs(t, err, assert.AnError)
}
