package domain

import (
	"math/big"
	"time"
)

// SettlementBatch records one executed batch of deposit or withdraw
// requests, for persistence and archival.
type SettlementBatch struct {
	ID          string // uuid
	Kind        RequestKind
	FirstSeq    uint64
	LastSeq     uint64 // exclusive
	Count       int
	TotalBase   *big.Int
	TotalShares *big.Int
	ExecutedAt  time.Time
}

// FeeEventKind names the fee accrual path that produced an event.
type FeeEventKind string

const (
	FeeEventPerformance FeeEventKind = "performance"
	FeeEventManagement  FeeEventKind = "management"
	FeeEventWithdrawal  FeeEventKind = "withdrawal"
	FeeEventBurned      FeeEventKind = "burned" // pending fee shares reversed
)

// FeeEvent records one fee accrual, distribution, or reversal.
type FeeEvent struct {
	ID         string // uuid
	Kind       FeeEventKind
	Shares     *big.Int // share delta minted or burned, zero for withdrawal fees
	Base       *big.Int // base-asset amount, zero for share-denominated events
	OccurredAt time.Time
}
