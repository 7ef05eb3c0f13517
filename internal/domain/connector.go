package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Connector is an external capability that holds vault assets in a specific
// protocol. The engine only needs three things from it: value a position,
// accept idle cash for investment, and return base assets on demand.
type Connector interface {
	// Address is the connector's stable identity for authorization and
	// content-id derivation.
	Address() common.Address

	// ReportValue returns the current value of the given holding position
	// denominated in baseAsset.
	ReportValue(ctx context.Context, pos HoldingPosition, baseAsset common.Address) (*big.Int, error)

	// AcceptFunds pulls amount of asset from the engine for investment,
	// with connector-specific routing data. It returns the amount actually
	// accepted.
	AcceptFunds(ctx context.Context, asset common.Address, amount *big.Int, routing []byte) (*big.Int, error)

	// ReturnFunds asks the connector to unwind up to amount of asset back
	// to the engine. It returns the amount actually returned.
	ReturnFunds(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error)
}

// PriceSource is a single oracle leaf: it values amount of asset in base.
type PriceSource interface {
	GetValue(ctx context.Context, asset, base common.Address, amount *big.Int) (*big.Int, error)
}

// ValueOracle resolves asset values with multi-source consensus. The engine
// consumes this for NAV; the oracle package provides the implementation and
// is itself usable as a PriceSource leaf of another oracle.
type ValueOracle interface {
	GetValue(ctx context.Context, asset, base common.Address, amount *big.Int, minSources int) (*big.Int, error)
}
