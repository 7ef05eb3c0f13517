package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// RequestStore implements domain.RequestStore using PostgreSQL. Amounts are
// stored as decimal strings; the in-memory engine remains authoritative and
// rows are written after each committed transition.
type RequestStore struct {
	pool *pgxpool.Pool
}

// NewRequestStore creates a new RequestStore backed by the given pool.
func NewRequestStore(pool *pgxpool.Pool) *RequestStore {
	return &RequestStore{pool: pool}
}

// RecordDeposit persists a freshly queued deposit request. Replays of the
// same sequence number are ignored.
func (s *RequestStore) RecordDeposit(ctx context.Context, req domain.DepositRequest) error {
	const query = `
		INSERT INTO deposit_requests (seq, receiver, base_amount, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		int64(req.Seq),
		req.Receiver.Hex(),
		bigText(req.BaseAmount),
		req.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record deposit %d: %w", req.Seq, err)
	}
	return nil
}

// RecordWithdraw persists a freshly queued withdraw request. Replays of the
// same sequence number are ignored.
func (s *RequestStore) RecordWithdraw(ctx context.Context, req domain.WithdrawRequest) error {
	const query = `
		INSERT INTO withdraw_requests (seq, owner, receiver, shares, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		int64(req.Seq),
		req.Owner.Hex(),
		req.Receiver.Hex(),
		bigText(req.Shares),
		req.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record withdraw %d: %w", req.Seq, err)
	}
	return nil
}

// MarkDepositValuated records the share amount assigned to a deposit at
// valuation time.
func (s *RequestStore) MarkDepositValuated(ctx context.Context, seq uint64, shares *big.Int, at time.Time) error {
	const query = `
		UPDATE deposit_requests
		SET shares = $2, calculated_at = $3, status = $4
		WHERE seq = $1`

	_, err := s.pool.Exec(ctx, query, int64(seq), bigText(shares), at, string(domain.RequestStatusValuated))
	if err != nil {
		return fmt.Errorf("postgres: mark deposit %d valuated: %w", seq, err)
	}
	return nil
}

// MarkWithdrawValuated records the base amount assigned to a withdraw at
// valuation time.
func (s *RequestStore) MarkWithdrawValuated(ctx context.Context, seq uint64, base *big.Int, at time.Time) error {
	const query = `
		UPDATE withdraw_requests
		SET base_amount = $2, calculated_at = $3, status = $4
		WHERE seq = $1`

	_, err := s.pool.Exec(ctx, query, int64(seq), bigText(base), at, string(domain.RequestStatusValuated))
	if err != nil {
		return fmt.Errorf("postgres: mark withdraw %d valuated: %w", seq, err)
	}
	return nil
}

// MarkExecuted stamps a request as executed in the table matching its kind.
func (s *RequestStore) MarkExecuted(ctx context.Context, kind domain.RequestKind, seq uint64, at time.Time) error {
	var table string
	switch kind {
	case domain.RequestKindDeposit:
		table = "deposit_requests"
	case domain.RequestKindWithdraw:
		table = "withdraw_requests"
	default:
		return fmt.Errorf("postgres: mark executed: unknown request kind %q", kind)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET executed_at = $2, status = $3 WHERE seq = $1", table,
	)
	_, err := s.pool.Exec(ctx, query, int64(seq), at, string(domain.RequestStatusExecuted))
	if err != nil {
		return fmt.Errorf("postgres: mark %s %d executed: %w", kind, seq, err)
	}
	return nil
}

// ListExecutedDepositsBefore returns executed deposits older than the cutoff,
// oldest first, for archival.
func (s *RequestStore) ListExecutedDepositsBefore(ctx context.Context, before time.Time) ([]domain.DepositRequest, error) {
	const query = `
		SELECT seq, receiver, base_amount, shares, recorded_at, calculated_at
		FROM deposit_requests
		WHERE status = $1 AND executed_at < $2
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, string(domain.RequestStatusExecuted), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executed deposits: %w", err)
	}
	defer rows.Close()

	var reqs []domain.DepositRequest
	for rows.Next() {
		var (
			seq          int64
			receiver     string
			baseAmount   string
			shares       string
			recordedAt   time.Time
			calculatedAt *time.Time
		)
		if err := rows.Scan(&seq, &receiver, &baseAmount, &shares, &recordedAt, &calculatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan deposit request: %w", err)
		}

		req := domain.DepositRequest{
			Seq:        uint64(seq),
			Receiver:   common.HexToAddress(receiver),
			RecordedAt: recordedAt,
		}
		if req.BaseAmount, err = parseBig(baseAmount); err != nil {
			return nil, fmt.Errorf("postgres: deposit %d base amount: %w", seq, err)
		}
		if req.Shares, err = parseBig(shares); err != nil {
			return nil, fmt.Errorf("postgres: deposit %d shares: %w", seq, err)
		}
		if calculatedAt != nil {
			req.CalculatedAt = *calculatedAt
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executed deposits rows: %w", err)
	}
	return reqs, nil
}

// ListExecutedWithdrawsBefore returns executed withdraws older than the
// cutoff, oldest first, for archival.
func (s *RequestStore) ListExecutedWithdrawsBefore(ctx context.Context, before time.Time) ([]domain.WithdrawRequest, error) {
	const query = `
		SELECT seq, owner, receiver, shares, base_amount, recorded_at, calculated_at
		FROM withdraw_requests
		WHERE status = $1 AND executed_at < $2
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, string(domain.RequestStatusExecuted), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executed withdraws: %w", err)
	}
	defer rows.Close()

	var reqs []domain.WithdrawRequest
	for rows.Next() {
		var (
			seq          int64
			owner        string
			receiver     string
			shares       string
			baseAmount   string
			recordedAt   time.Time
			calculatedAt *time.Time
		)
		if err := rows.Scan(&seq, &owner, &receiver, &shares, &baseAmount, &recordedAt, &calculatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan withdraw request: %w", err)
		}

		req := domain.WithdrawRequest{
			Seq:        uint64(seq),
			Owner:      common.HexToAddress(owner),
			Receiver:   common.HexToAddress(receiver),
			RecordedAt: recordedAt,
		}
		if req.Shares, err = parseBig(shares); err != nil {
			return nil, fmt.Errorf("postgres: withdraw %d shares: %w", seq, err)
		}
		if req.BaseAmount, err = parseBig(baseAmount); err != nil {
			return nil, fmt.Errorf("postgres: withdraw %d base amount: %w", seq, err)
		}
		if calculatedAt != nil {
			req.CalculatedAt = *calculatedAt
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executed withdraws rows: %w", err)
	}
	return reqs, nil
}

// bigText renders an amount as a decimal string, treating nil as zero.
func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseBig parses a decimal string column back into a big.Int.
func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal string %q", s)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.RequestStore = (*RequestStore)(nil)
