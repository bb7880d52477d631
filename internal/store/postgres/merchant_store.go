package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// MerchantStore implements domain.MerchantStore using PostgreSQL.
type MerchantStore struct {
	pool *pgxpool.Pool
}

// NewMerchantStore creates a new MerchantStore backed by the given pool.
func NewMerchantStore(pool *pgxpool.Pool) *MerchantStore {
	return &MerchantStore{pool: pool}
}

func settingsArgs(ms domain.MerchantSettings) ([]any, error) {
	buy, err := json.Marshal(nonNilRates(ms.BuyRates))
	if err != nil {
		return nil, fmt.Errorf("marshal buy rates: %w", err)
	}
	sell, err := json.Marshal(nonNilRates(ms.SellRates))
	if err != nil {
		return nil, fmt.Errorf("marshal sell rates: %w", err)
	}
	methods := ms.PaymentMethods
	if methods == nil {
		methods = []string{}
	}
	return []any{
		ms.UserID, buy, sell,
		ms.MinTradeUSD.String(), ms.MaxTradeUSD.String(),
		ms.AutoAccept, ms.AutoRelease, ms.Online,
		methods, ms.AvgResponseSeconds,
	}, nil
}

func nonNilRates(m map[domain.Coin]decimal.Decimal) map[domain.Coin]decimal.Decimal {
	if m == nil {
		return map[domain.Coin]decimal.Decimal{}
	}
	return m
}

const settingsInsert = `
	INSERT INTO merchant_settings (
		user_id, buy_rates, sell_rates, min_trade_usd, max_trade_usd,
		auto_accept, auto_release, online, payment_methods, avg_response_seconds, updated_at
	) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, NOW())`

// EnsureSettings inserts ms unless the merchant already has a row.
func (s *MerchantStore) EnsureSettings(ctx context.Context, ms domain.MerchantSettings) error {
	args, err := settingsArgs(ms)
	if err != nil {
		return fmt.Errorf("postgres: ensure settings %s: %w", ms.UserID, err)
	}
	if _, err := db(ctx, s.pool).Exec(ctx, settingsInsert+` ON CONFLICT (user_id) DO NOTHING`, args...); err != nil {
		return fmt.Errorf("postgres: ensure settings %s: %w", ms.UserID, err)
	}
	return nil
}

// UpsertSettings inserts or replaces the merchant's settings.
func (s *MerchantStore) UpsertSettings(ctx context.Context, ms domain.MerchantSettings) error {
	args, err := settingsArgs(ms)
	if err != nil {
		return fmt.Errorf("postgres: upsert settings %s: %w", ms.UserID, err)
	}
	const conflict = `
		ON CONFLICT (user_id) DO UPDATE SET
			buy_rates            = EXCLUDED.buy_rates,
			sell_rates           = EXCLUDED.sell_rates,
			min_trade_usd        = EXCLUDED.min_trade_usd,
			max_trade_usd        = EXCLUDED.max_trade_usd,
			auto_accept          = EXCLUDED.auto_accept,
			auto_release         = EXCLUDED.auto_release,
			online               = EXCLUDED.online,
			payment_methods      = EXCLUDED.payment_methods,
			avg_response_seconds = EXCLUDED.avg_response_seconds,
			updated_at           = NOW()`
	if _, err := db(ctx, s.pool).Exec(ctx, settingsInsert+conflict, args...); err != nil {
		return fmt.Errorf("postgres: upsert settings %s: %w", ms.UserID, err)
	}
	return nil
}

// GetSettings retrieves the merchant's settings row.
func (s *MerchantStore) GetSettings(ctx context.Context, userID string) (domain.MerchantSettings, error) {
	var (
		ms             domain.MerchantSettings
		buy, sell      []byte
		minUSD, maxUSD string
	)
	err := db(ctx, s.pool).QueryRow(ctx, `
		SELECT user_id, buy_rates, sell_rates, min_trade_usd::text, max_trade_usd::text,
		       auto_accept, auto_release, online, payment_methods, avg_response_seconds, updated_at
		  FROM merchant_settings WHERE user_id = $1`, userID,
	).Scan(&ms.UserID, &buy, &sell, &minUSD, &maxUSD,
		&ms.AutoAccept, &ms.AutoRelease, &ms.Online, &ms.PaymentMethods, &ms.AvgResponseSeconds, &ms.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MerchantSettings{}, domain.ErrNotFound
		}
		return domain.MerchantSettings{}, fmt.Errorf("postgres: get settings %s: %w", userID, err)
	}
	if ms.BuyRates, err = decodeRates(buy); err != nil {
		return domain.MerchantSettings{}, fmt.Errorf("postgres: get settings %s: %w", userID, err)
	}
	if ms.SellRates, err = decodeRates(sell); err != nil {
		return domain.MerchantSettings{}, fmt.Errorf("postgres: get settings %s: %w", userID, err)
	}
	if ms.MinTradeUSD, err = parseDecimal(minUSD); err != nil {
		return domain.MerchantSettings{}, fmt.Errorf("postgres: get settings %s: %w", userID, err)
	}
	if ms.MaxTradeUSD, err = parseDecimal(maxUSD); err != nil {
		return domain.MerchantSettings{}, fmt.Errorf("postgres: get settings %s: %w", userID, err)
	}
	return ms, nil
}

func decodeRates(raw []byte) (map[domain.Coin]decimal.Decimal, error) {
	out := map[domain.Coin]decimal.Decimal{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	return out, nil
}

// Merchants without a settings row get the defaults a new merchant starts
// with.
const merchantViewQuery = `
	SELECT p.id, p.display_name, p.rating::float8, p.completed_trades,
	       p.is_merchant, p.merchant_mode,
	       COALESCE(s.online, TRUE),
	       COALESCE(s.auto_accept, FALSE),
	       COALESCE(s.avg_response_seconds, 300),
	       COALESCE(s.payment_methods, ARRAY['bank_transfer']),
	       COALESCE(s.buy_rates, '{}'::jsonb),
	       COALESCE(s.sell_rates, '{}'::jsonb),
	       COALESCE(s.min_trade_usd, 10)::text,
	       COALESCE(s.max_trade_usd, 10000)::text
	  FROM profiles p
	  LEFT JOIN merchant_settings s ON s.user_id = p.id
	 WHERE p.is_merchant`

func scanMerchantView(scanner interface{ Scan(dest ...any) error }) (domain.MerchantView, error) {
	var (
		v              domain.MerchantView
		buy, sell      []byte
		minUSD, maxUSD string
	)
	err := scanner.Scan(
		&v.UserID, &v.DisplayName, &v.Rating, &v.CompletedTrades,
		&v.IsMerchant, &v.MerchantMode,
		&v.Online, &v.AutoAccept, &v.AvgResponseSeconds, &v.PaymentMethods,
		&buy, &sell, &minUSD, &maxUSD,
	)
	if err != nil {
		return domain.MerchantView{}, err
	}
	if v.BuyRates, err = decodeRates(buy); err != nil {
		return domain.MerchantView{}, err
	}
	if v.SellRates, err = decodeRates(sell); err != nil {
		return domain.MerchantView{}, err
	}
	if v.MinTradeUSD, err = parseDecimal(minUSD); err != nil {
		return domain.MerchantView{}, err
	}
	if v.MaxTradeUSD, err = parseDecimal(maxUSD); err != nil {
		return domain.MerchantView{}, err
	}
	return v, nil
}

// ListViews returns the directory projection of every merchant.
func (s *MerchantStore) ListViews(ctx context.Context) ([]domain.MerchantView, error) {
	rows, err := db(ctx, s.pool).Query(ctx, merchantViewQuery+` ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list merchant views: %w", err)
	}
	defer rows.Close()

	var out []domain.MerchantView
	for rows.Next() {
		v, err := scanMerchantView(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan merchant view: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetView returns the directory projection of one merchant.
func (s *MerchantStore) GetView(ctx context.Context, userID string) (domain.MerchantView, error) {
	row := db(ctx, s.pool).QueryRow(ctx, merchantViewQuery+` AND p.id = $1`, userID)
	v, err := scanMerchantView(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MerchantView{}, domain.ErrNotFound
		}
		return domain.MerchantView{}, fmt.Errorf("postgres: get merchant view %s: %w", userID, err)
	}
	return v, nil
}
