package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// ProfileStore implements domain.ProfileStore using PostgreSQL.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore creates a new ProfileStore backed by the given pool.
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

const profileSelectCols = `id, display_name, email, phone, is_merchant, merchant_mode,
	is_premium, is_vendor, credits_balance, rating::float8, completed_trades,
	created_at, updated_at`

func scanProfile(scanner interface{ Scan(dest ...any) error }) (domain.Profile, error) {
	var p domain.Profile
	err := scanner.Scan(
		&p.ID, &p.DisplayName, &p.Email, &p.Phone, &p.IsMerchant, &p.MerchantMode,
		&p.IsPremium, &p.IsVendor, &p.CreditsBalance, &p.Rating, &p.CompletedTrades,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// GetByID retrieves a profile by user id.
func (s *ProfileStore) GetByID(ctx context.Context, id string) (domain.Profile, error) {
	row := db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+profileSelectCols+` FROM profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Profile{}, domain.ErrNotFound
		}
		return domain.Profile{}, fmt.Errorf("postgres: get profile %s: %w", id, err)
	}
	return p, nil
}

// SetMerchant toggles both the merchant role and merchant mode.
func (s *ProfileStore) SetMerchant(ctx context.Context, id string, enabled bool) (domain.Profile, error) {
	row := db(ctx, s.pool).QueryRow(ctx, `
		UPDATE profiles
		   SET is_merchant = $2, merchant_mode = $2, updated_at = NOW()
		 WHERE id = $1
		RETURNING `+profileSelectCols, id, enabled)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Profile{}, domain.ErrNotFound
		}
		return domain.Profile{}, fmt.Errorf("postgres: set merchant %s: %w", id, err)
	}
	return p, nil
}

// DebitCredits subtracts amount in one conditional UPDATE so concurrent
// debits can never drive the balance negative.
func (s *ProfileStore) DebitCredits(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, domain.Invalid("amount", "debit must not be negative")
	}
	q := db(ctx, s.pool)
	var balance int64
	err := q.QueryRow(ctx, `
		UPDATE profiles
		   SET credits_balance = credits_balance - $2, updated_at = NOW()
		 WHERE id = $1 AND credits_balance >= $2
		RETURNING credits_balance`, id, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: debit credits %s: %w", id, err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM profiles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("postgres: debit credits %s: %w", id, err)
	}
	if !exists {
		return 0, domain.ErrNotFound
	}
	return 0, domain.ErrInsufficientCredits
}

// RefundCredits adds amount back to the balance.
func (s *ProfileStore) RefundCredits(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, domain.Invalid("amount", "refund must not be negative")
	}
	var balance int64
	err := db(ctx, s.pool).QueryRow(ctx, `
		UPDATE profiles
		   SET credits_balance = credits_balance + $2, updated_at = NOW()
		 WHERE id = $1
		RETURNING credits_balance`, id, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: refund credits %s: %w", id, err)
	}
	return balance, nil
}

// ListMerchants returns every profile holding the merchant role.
func (s *ProfileStore) ListMerchants(ctx context.Context) ([]domain.Profile, error) {
	rows, err := db(ctx, s.pool).Query(ctx,
		`SELECT `+profileSelectCols+` FROM profiles WHERE is_merchant ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list merchants: %w", err)
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan merchant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
