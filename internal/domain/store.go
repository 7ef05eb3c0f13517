package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RequestStore persists the lifecycle of queued deposit and withdraw
// requests. The engine's in-memory queues are authoritative; the store is a
// durable mirror written after each committed transition.
type RequestStore interface {
	RecordDeposit(ctx context.Context, req DepositRequest) error
	RecordWithdraw(ctx context.Context, req WithdrawRequest) error
	MarkDepositValuated(ctx context.Context, seq uint64, shares *big.Int, at time.Time) error
	MarkWithdrawValuated(ctx context.Context, seq uint64, base *big.Int, at time.Time) error
	MarkExecuted(ctx context.Context, kind RequestKind, seq uint64, at time.Time) error
	// ListExecutedDepositsBefore returns executed deposit requests older
	// than the cutoff, for archival.
	ListExecutedDepositsBefore(ctx context.Context, before time.Time) ([]DepositRequest, error)
	ListExecutedWithdrawsBefore(ctx context.Context, before time.Time) ([]WithdrawRequest, error)
}

// SettlementStore persists executed settlement batches.
type SettlementStore interface {
	Insert(ctx context.Context, batch SettlementBatch) error
	ListRecent(ctx context.Context, limit int) ([]SettlementBatch, error)
	ListBefore(ctx context.Context, before time.Time) ([]SettlementBatch, error)
}

// FeeEventStore persists fee accrual history.
type FeeEventStore interface {
	Insert(ctx context.Context, evt FeeEvent) error
	ListRecent(ctx context.Context, limit int) ([]FeeEvent, error)
	ListBefore(ctx context.Context, before time.Time) ([]FeeEvent, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
