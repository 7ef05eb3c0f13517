package sim

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// RateScale is the fixed-point denominator for simulated exchange rates.
var RateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Source is a fixed-rate price source with settable per-pair rates, used as
// an oracle leaf in paper mode and tests.
type Source struct {
	mu    sync.RWMutex
	rates map[[2]common.Address]*big.Int // rate * RateScale
}

// NewSource creates an empty Source.
func NewSource() *Source {
	return &Source{rates: make(map[[2]common.Address]*big.Int)}
}

// SetRate fixes the asset/base conversion: value = amount * rate / RateScale.
// The inverse pair is derived automatically when rate is nonzero.
func (s *Source) SetRate(asset, base common.Address, rate *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[[2]common.Address{asset, base}] = domain.Clone(rate)
	if rate.Sign() > 0 {
		inverse := new(big.Int).Mul(RateScale, RateScale)
		inverse.Quo(inverse, rate)
		s.rates[[2]common.Address{base, asset}] = inverse
	}
}

// GetValue converts amount of asset into base at the configured rate.
func (s *Source) GetValue(ctx context.Context, asset, base common.Address, amount *big.Int) (*big.Int, error) {
	if asset == base {
		return domain.Clone(amount), nil
	}
	s.mu.RLock()
	rate, ok := s.rates[[2]common.Address{asset, base}]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNoPriceAvailable
	}
	return domain.MulDiv(amount, rate, RateScale), nil
}

// Compile-time interface check.
var _ domain.PriceSource = (*Source)(nil)
