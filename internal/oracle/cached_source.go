package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// QuoteScale is the reference amount cached per pair. Cached quotes store
// the value of QuoteScale units of the asset; arbitrary amounts are scaled
// linearly from it.
var QuoteScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// CachedSource decorates a PriceSource with a QuoteCache. Quotes newer than
// the TTL are served from the cache; misses delegate to the inner source and
// write through.
type CachedSource struct {
	inner domain.PriceSource
	cache domain.QuoteCache
	ttl   time.Duration
}

// NewCachedSource wraps inner with caching. A zero ttl disables freshness
// checking (any cached quote is served).
func NewCachedSource(inner domain.PriceSource, cache domain.QuoteCache, ttl time.Duration) *CachedSource {
	return &CachedSource{inner: inner, cache: cache, ttl: ttl}
}

// GetValue serves amount*unit/QuoteScale from a fresh cached unit quote, or
// refreshes the quote from the inner source.
func (cs *CachedSource) GetValue(ctx context.Context, asset, base common.Address, amount *big.Int) (*big.Int, error) {
	unit, ts, err := cs.cache.GetQuote(ctx, asset, base)
	if err == nil && (cs.ttl == 0 || time.Since(ts) <= cs.ttl) {
		return domain.MulDiv(amount, unit, QuoteScale), nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("oracle: quote cache %s/%s: %w", asset, base, err)
	}

	unit, err = cs.inner.GetValue(ctx, asset, base, QuoteScale)
	if err != nil {
		return nil, err
	}
	// Write-through failure is tolerable; the quote itself is valid.
	_ = cs.cache.SetQuote(ctx, asset, base, unit, time.Now().UTC())

	return domain.MulDiv(amount, unit, QuoteScale), nil
}

// Compile-time interface check.
var _ domain.PriceSource = (*CachedSource)(nil)
