package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Insert persists one executed settlement batch. A UUID is assigned when the
// batch carries none.
func (s *SettlementStore) Insert(ctx context.Context, batch domain.SettlementBatch) error {
	id := batch.ID
	if id == "" {
		id = uuid.NewString()
	}

	const query = `
		INSERT INTO settlement_batches
			(id, kind, first_seq, last_seq, count, total_base, total_shares, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		id,
		string(batch.Kind),
		int64(batch.FirstSeq),
		int64(batch.LastSeq),
		batch.Count,
		bigText(batch.TotalBase),
		bigText(batch.TotalShares),
		batch.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement batch %s: %w", id, err)
	}
	return nil
}

// ListRecent returns the most recently executed batches, newest first.
func (s *SettlementStore) ListRecent(ctx context.Context, limit int) ([]domain.SettlementBatch, error) {
	const query = `
		SELECT id, kind, first_seq, last_seq, count, total_base, total_shares, executed_at
		FROM settlement_batches
		ORDER BY executed_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent batches: %w", err)
	}
	defer rows.Close()

	return scanBatches(rows)
}

// ListBefore returns batches executed before the cutoff, oldest first, for
// archival.
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementBatch, error) {
	const query = `
		SELECT id, kind, first_seq, last_seq, count, total_base, total_shares, executed_at
		FROM settlement_batches
		WHERE executed_at < $1
		ORDER BY executed_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list batches before cutoff: %w", err)
	}
	defer rows.Close()

	return scanBatches(rows)
}

func scanBatches(rows pgx.Rows) ([]domain.SettlementBatch, error) {
	var batches []domain.SettlementBatch
	for rows.Next() {
		var (
			b           domain.SettlementBatch
			kind        string
			firstSeq    int64
			lastSeq     int64
			totalBase   string
			totalShares string
		)
		if err := rows.Scan(&b.ID, &kind, &firstSeq, &lastSeq, &b.Count, &totalBase, &totalShares, &b.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement batch: %w", err)
		}

		b.Kind = domain.RequestKind(kind)
		b.FirstSeq = uint64(firstSeq)
		b.LastSeq = uint64(lastSeq)

		var err error
		if b.TotalBase, err = parseBig(totalBase); err != nil {
			return nil, fmt.Errorf("postgres: batch %s total base: %w", b.ID, err)
		}
		if b.TotalShares, err = parseBig(totalShares); err != nil {
			return nil, fmt.Errorf("postgres: batch %s total shares: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: settlement batch rows: %w", err)
	}
	return batches, nil
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
