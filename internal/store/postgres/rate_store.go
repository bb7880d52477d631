package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// RateStore implements domain.RateStore using PostgreSQL.
type RateStore struct {
	pool *pgxpool.Pool
}

// NewRateStore creates a new RateStore backed by the given pool.
func NewRateStore(pool *pgxpool.Pool) *RateStore {
	return &RateStore{pool: pool}
}

// Get retrieves the rate for pair.
func (s *RateStore) Get(ctx context.Context, pair string) (domain.Rate, error) {
	var (
		r         domain.Rate
		buy, sell string
	)
	err := db(ctx, s.pool).QueryRow(ctx,
		`SELECT pair, buy::text, sell::text, updated_at FROM rates WHERE pair = $1`, pair,
	).Scan(&r.Pair, &buy, &sell, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Rate{}, domain.ErrNotFound
		}
		return domain.Rate{}, fmt.Errorf("postgres: get rate %s: %w", pair, err)
	}
	if r.Buy, err = parseDecimal(buy); err != nil {
		return domain.Rate{}, fmt.Errorf("postgres: get rate %s: %w", pair, err)
	}
	if r.Sell, err = parseDecimal(sell); err != nil {
		return domain.Rate{}, fmt.Errorf("postgres: get rate %s: %w", pair, err)
	}
	return r, nil
}

// Upsert inserts or replaces the rate for r.Pair.
func (s *RateStore) Upsert(ctx context.Context, r domain.Rate) error {
	_, err := db(ctx, s.pool).Exec(ctx, `
		INSERT INTO rates (pair, buy, sell, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4)
		ON CONFLICT (pair) DO UPDATE SET
			buy = EXCLUDED.buy, sell = EXCLUDED.sell, updated_at = EXCLUDED.updated_at`,
		r.Pair, r.Buy.String(), r.Sell.String(), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert rate %s: %w", r.Pair, err)
	}
	return nil
}
