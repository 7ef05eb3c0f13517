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

// FeeEventStore implements domain.FeeEventStore using PostgreSQL.
type FeeEventStore struct {
	pool *pgxpool.Pool
}

// NewFeeEventStore creates a new FeeEventStore backed by the given pool.
func NewFeeEventStore(pool *pgxpool.Pool) *FeeEventStore {
	return &FeeEventStore{pool: pool}
}

// Insert persists one fee accrual event. A UUID is assigned when the event
// carries none.
func (s *FeeEventStore) Insert(ctx context.Context, evt domain.FeeEvent) error {
	id := evt.ID
	if id == "" {
		id = uuid.NewString()
	}

	const query = `
		INSERT INTO fee_events (id, kind, shares, base, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		id,
		string(evt.Kind),
		bigText(evt.Shares),
		bigText(evt.Base),
		evt.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fee event %s: %w", id, err)
	}
	return nil
}

// ListRecent returns the most recent fee events, newest first.
func (s *FeeEventStore) ListRecent(ctx context.Context, limit int) ([]domain.FeeEvent, error) {
	const query = `
		SELECT id, kind, shares, base, occurred_at
		FROM fee_events
		ORDER BY occurred_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent fee events: %w", err)
	}
	defer rows.Close()

	return scanFeeEvents(rows)
}

// ListBefore returns fee events that occurred before the cutoff, oldest
// first, for archival.
func (s *FeeEventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.FeeEvent, error) {
	const query = `
		SELECT id, kind, shares, base, occurred_at
		FROM fee_events
		WHERE occurred_at < $1
		ORDER BY occurred_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fee events before cutoff: %w", err)
	}
	defer rows.Close()

	return scanFeeEvents(rows)
}

func scanFeeEvents(rows pgx.Rows) ([]domain.FeeEvent, error) {
	var events []domain.FeeEvent
	for rows.Next() {
		var (
			e      domain.FeeEvent
			kind   string
			shares string
			base   string
		)
		if err := rows.Scan(&e.ID, &kind, &shares, &base, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fee event: %w", err)
		}

		e.Kind = domain.FeeEventKind(kind)

		var err error
		if e.Shares, err = parseBig(shares); err != nil {
			return nil, fmt.Errorf("postgres: fee event %s shares: %w", e.ID, err)
		}
		if e.Base, err = parseBig(base); err != nil {
			return nil, fmt.Errorf("postgres: fee event %s base: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fee event rows: %w", err)
	}
	return events, nil
}

// Compile-time interface check.
var _ domain.FeeEventStore = (*FeeEventStore)(nil)
