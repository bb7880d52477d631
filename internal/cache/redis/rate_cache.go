package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// RateCache implements domain.RateCache using Redis hashes. Each pair lives
// at "<prefix>:rate:<pair>" with fields buy, sell and ts (unix nanos), and
// expires after ttl so a stale quote falls back to the database.
type RateCache struct {
	client *Client
	ttl    time.Duration
}

// NewRateCache creates a RateCache. A zero ttl keeps entries until
// invalidated.
func NewRateCache(c *Client, ttl time.Duration) *RateCache {
	return &RateCache{client: c, ttl: ttl}
}

// Set stores r and refreshes its expiry.
func (rc *RateCache) Set(ctx context.Context, r domain.Rate) error {
	key := rc.client.Key("rate", r.Pair)
	pipe := rc.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, rateFields(r))
	if rc.ttl > 0 {
		pipe.Expire(ctx, key, rc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set rate %s: %w", r.Pair, err)
	}
	return nil
}

// Get returns the cached rate or domain.ErrNotFound.
func (rc *RateCache) Get(ctx context.Context, pair string) (domain.Rate, error) {
	vals, err := rc.client.rdb.HGetAll(ctx, rc.client.Key("rate", pair)).Result()
	if err != nil {
		return domain.Rate{}, fmt.Errorf("redis: get rate %s: %w", pair, err)
	}
	r, err := parseRateFields(pair, vals)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("redis: get rate %s: %w", pair, err)
	}
	return r, nil
}

// Invalidate drops the cached rate for pair.
func (rc *RateCache) Invalidate(ctx context.Context, pair string) error {
	if err := rc.client.rdb.Del(ctx, rc.client.Key("rate", pair)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate rate %s: %w", pair, err)
	}
	return nil
}

func rateFields(r domain.Rate) map[string]any {
	return map[string]any{
		"buy":  r.Buy.String(),
		"sell": r.Sell.String(),
		"ts":   strconv.FormatInt(r.UpdatedAt.UnixNano(), 10),
	}
}

func parseRateFields(pair string, vals map[string]string) (domain.Rate, error) {
	if len(vals) == 0 {
		return domain.Rate{}, domain.ErrNotFound
	}
	buyStr, ok1 := vals["buy"]
	sellStr, ok2 := vals["sell"]
	tsStr, ok3 := vals["ts"]
	if !ok1 || !ok2 || !ok3 {
		return domain.Rate{}, domain.ErrNotFound
	}

	buy, err := decimal.NewFromString(buyStr)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("parse buy: %w", err)
	}
	sell, err := decimal.NewFromString(sellStr)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("parse sell: %w", err)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("parse ts: %w", err)
	}
	return domain.Rate{Pair: pair, Buy: buy, Sell: sell, UpdatedAt: time.Unix(0, ts).UTC()}, nil
}

var _ domain.RateCache = (*RateCache)(nil)
