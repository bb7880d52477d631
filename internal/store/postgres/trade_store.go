package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Create inserts a new trade.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, requester_id, merchant_id, seller_id, buyer_id,
			crypto_type, crypto_amount, fiat_amount, fiat_currency, usd_amount, rate,
			trade_type, match_mode, payment_method, settlement, status, fee_credits,
			release_address, refund_address, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7::numeric, $8::numeric, $9, $10::numeric, $11::numeric,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $21
		)`

	_, err := db(ctx, s.pool).Exec(ctx, query,
		t.ID, t.RequesterID, t.MerchantID, t.SellerID, t.BuyerID,
		string(t.CryptoType), t.CryptoAmount.String(), t.FiatAmount.String(), t.FiatCurrency,
		t.USDAmount.String(), t.Rate.String(),
		string(t.TradeType), string(t.MatchMode), t.PaymentMethod, string(t.Settlement),
		string(t.Status), t.FeeCredits,
		t.ReleaseAddress, t.RefundAddress, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create trade %s: %w", t.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return nil
}

const tradeSelectCols = `id, requester_id, merchant_id, seller_id, buyer_id,
	crypto_type, crypto_amount::text, fiat_amount::text, fiat_currency, usd_amount::text, rate::text,
	trade_type, match_mode, payment_method, settlement, status, fee_credits,
	release_address, refund_address, cancel_reason, expires_at,
	accepted_at, payment_sent_at, completed_at, cancelled_at, created_at, updated_at`

func scanTrade(scanner interface{ Scan(dest ...any) error }) (domain.Trade, error) {
	var (
		t                                      domain.Trade
		coin, tradeType, matchMode, settle, st string
		cryptoAmt, fiatAmt, usdAmt, rate       string
	)
	err := scanner.Scan(
		&t.ID, &t.RequesterID, &t.MerchantID, &t.SellerID, &t.BuyerID,
		&coin, &cryptoAmt, &fiatAmt, &t.FiatCurrency, &usdAmt, &rate,
		&tradeType, &matchMode, &t.PaymentMethod, &settle, &st, &t.FeeCredits,
		&t.ReleaseAddress, &t.RefundAddress, &t.CancelReason, &t.ExpiresAt,
		&t.AcceptedAt, &t.PaymentSentAt, &t.CompletedAt, &t.CancelledAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}

	t.CryptoType = domain.Coin(coin)
	t.TradeType = domain.TradeType(tradeType)
	t.MatchMode = domain.MatchMode(matchMode)
	t.Settlement = domain.Settlement(settle)
	t.Status = domain.TradeStatus(st)

	if t.CryptoAmount, err = parseDecimal(cryptoAmt); err != nil {
		return domain.Trade{}, err
	}
	if t.FiatAmount, err = parseDecimal(fiatAmt); err != nil {
		return domain.Trade{}, err
	}
	if t.USDAmount, err = parseDecimal(usdAmt); err != nil {
		return domain.Trade{}, err
	}
	if t.Rate, err = parseDecimal(rate); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetByID retrieves a single trade.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	t, err := scanTrade(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

func tradeTimestampCol(to domain.TradeStatus) string {
	switch to {
	case domain.TradeStatusAccepted:
		return ", accepted_at = NOW()"
	case domain.TradeStatusPaymentSent:
		return ", payment_sent_at = NOW()"
	case domain.TradeStatusCompleted:
		return ", completed_at = NOW()"
	case domain.TradeStatusRejected, domain.TradeStatusCancelled, domain.TradeStatusPaymentRejected:
		return ", cancelled_at = NOW()"
	}
	return ""
}

// Transition moves the trade to `to` only if its status is one of from. A
// lost race yields a *domain.TransitionError carrying the current status.
func (s *TradeStore) Transition(ctx context.Context, id string, from []domain.TradeStatus, to domain.TradeStatus, upd domain.TradeUpdate) (domain.Trade, error) {
	q := db(ctx, s.pool)
	query := `
		UPDATE trades
		   SET status = $3, updated_at = NOW()` + tradeTimestampCol(to) + `,
		       release_address = COALESCE($4::text, release_address),
		       cancel_reason = CASE WHEN $5::text = '' THEN cancel_reason ELSE $5::text END
		 WHERE id = $1 AND status = ANY($2)
		RETURNING ` + tradeSelectCols

	t, err := scanTrade(q.QueryRow(ctx, query, id, statusStrings(from), string(to), upd.ReleaseAddress, upd.CancelReason))
	if err == nil {
		return t, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, resolveMiss(ctx, q, "trades", "id", "trade", id, string(to))
	}
	return domain.Trade{}, fmt.Errorf("postgres: transition trade %s -> %s: %w", id, to, err)
}

// ListExpired returns trades in one of statuses whose expiry has passed.
func (s *TradeStore) ListExpired(ctx context.Context, now time.Time, statuses []domain.TradeStatus, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db(ctx, s.pool).Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		  WHERE expires_at <= $1 AND status = ANY($2)
		  ORDER BY expires_at ASC LIMIT $3`, now, statusStrings(statuses), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired trades: %w", err)
	}
	return trades, nil
}

// ListByUser returns trades where userID is the requester or the merchant.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := appendListOpts(
		`SELECT `+tradeSelectCols+` FROM trades WHERE (requester_id = $1 OR merchant_id = $1)`,
		[]any{userID}, "created_at", opts)

	rows, err := db(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", userID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}
