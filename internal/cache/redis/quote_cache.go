package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// QuoteCache implements domain.QuoteCache using Redis hashes. Each pair's
// unit quote is stored as a hash at key "quote:{asset}:{base}" with fields
// "unit" (decimal big integer) and "ts" (Unix nanosecond timestamp).
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(asset, base common.Address) string {
	return "quote:" + asset.Hex() + ":" + base.Hex()
}

// SetQuote stores the latest unit quote and timestamp for a pair.
func (qc *QuoteCache) SetQuote(ctx context.Context, asset, base common.Address, unit *big.Int, ts time.Time) error {
	key := quoteKey(asset, base)
	fields := map[string]interface{}{
		"unit": unit.String(),
		"ts":   strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := qc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", key, err)
	}
	return nil
}

// GetQuote retrieves the latest unit quote and timestamp for a pair.
// It returns domain.ErrNotFound when the key does not exist.
func (qc *QuoteCache) GetQuote(ctx context.Context, asset, base common.Address) (*big.Int, time.Time, error) {
	key := quoteKey(asset, base)
	vals, err := qc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get quote %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, time.Time{}, domain.ErrNotFound
	}

	unitStr, ok := vals["unit"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	unit, ok := new(big.Int).SetString(unitStr, 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("redis: parse quote %s: bad unit %q", key, unitStr)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse quote ts %s: %w", key, err)
	}

	return unit, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
