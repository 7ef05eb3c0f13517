package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestKind distinguishes the two settlement queues.
type RequestKind string

const (
	RequestKindDeposit  RequestKind = "deposit"
	RequestKindWithdraw RequestKind = "withdraw"
)

// RequestStatus tracks the two-phase lifecycle of a queued request.
type RequestStatus string

const (
	RequestStatusQueued   RequestStatus = "queued"
	RequestStatusValuated RequestStatus = "valuated"
	RequestStatusExecuted RequestStatus = "executed"
)

// DepositRequest is one entry in the deposit queue. It is created with
// CalculatedAt and Shares zero, mutated exactly once by valuation, and
// removed by execution when the shares are minted.
type DepositRequest struct {
	Seq          uint64
	Receiver     common.Address
	BaseAmount   *big.Int
	Shares       *big.Int // assigned at valuation
	RecordedAt   time.Time
	CalculatedAt time.Time // zero until valuated
}

// Valuated reports whether the request has been priced.
func (r DepositRequest) Valuated() bool { return !r.CalculatedAt.IsZero() }

// WithdrawRequest is one entry in the withdraw queue. The requested shares
// are locked against the owner's spendable balance until executed.
type WithdrawRequest struct {
	Seq          uint64
	Owner        common.Address
	Receiver     common.Address
	Shares       *big.Int
	BaseAmount   *big.Int // assigned at valuation
	RecordedAt   time.Time
	CalculatedAt time.Time // zero until valuated
}

// Valuated reports whether the request has been priced.
func (r WithdrawRequest) Valuated() bool { return !r.CalculatedAt.IsZero() }

// WithdrawGroup is one batch of valuated withdraw requests that must be
// jointly funded before any of them executes. At most one group is active
// per vault at any time; it covers queue entries [first, LastSeq) at the
// moment valuation advanced the middle cursor.
type WithdrawGroup struct {
	Started        bool
	Fulfilled      bool
	LastSeq        uint64
	TotalClaim     *big.Int // sum of valuated base amounts in the group
	TotalAvailable *big.Int // liquidity reserved at fulfillment; may be short
}

// Active reports whether a group is currently open: started and not yet
// fully executed. Claim accumulation before Start does not count as active.
func (g WithdrawGroup) Active() bool { return g.Started }
