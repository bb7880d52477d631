package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// RateService serves conversion rates through a read-through cache over the
// rates table. A missing pair is an error, never a zero rate.
type RateService struct {
	store  domain.RateStore
	cache  domain.RateCache
	fiat   string
	logger *slog.Logger
	now    func() time.Time
}

// NewRateService creates a RateService. fiat is the local currency used by
// FiatRate, e.g. "NGN".
func NewRateService(store domain.RateStore, cache domain.RateCache, fiat string, logger *slog.Logger) *RateService {
	return &RateService{
		store:  store,
		cache:  cache,
		fiat:   strings.ToUpper(fiat),
		logger: logger.With(slog.String("component", "rate_service")),
		now:    time.Now,
	}
}

// Fiat returns the local fiat currency code.
func (s *RateService) Fiat() string { return s.fiat }

// GetRate returns the current rate for pair.
func (s *RateService) GetRate(ctx context.Context, pair string) (domain.Rate, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		return domain.Rate{}, domain.Invalid("pair", "rate pair is required")
	}

	r, err := s.cache.Get(ctx, pair)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "rate_service: cache read failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}

	r, err = s.store.Get(ctx, pair)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("rate_service: rate %s: %w", pair, err)
	}
	if err := s.cache.Set(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "rate_service: cache fill failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}
	return r, nil
}

// SetRate stores an operator-supplied rate and refreshes the cache.
func (s *RateService) SetRate(ctx context.Context, r domain.Rate) (domain.Rate, error) {
	r.Pair = strings.ToUpper(strings.TrimSpace(r.Pair))
	if base, quote, ok := strings.Cut(r.Pair, "_"); !ok || base == "" || quote == "" {
		return domain.Rate{}, domain.Invalid("pair", "pair must look like BASE_QUOTE")
	}
	if !r.Buy.IsPositive() || !r.Sell.IsPositive() {
		return domain.Rate{}, domain.Invalid("rate", "buy and sell rates must be positive")
	}
	r.UpdatedAt = s.now().UTC()

	if err := s.store.Upsert(ctx, r); err != nil {
		return domain.Rate{}, fmt.Errorf("rate_service: upsert %s: %w", r.Pair, err)
	}
	if err := s.cache.Set(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "rate_service: cache refresh failed, invalidating",
			slog.String("pair", r.Pair),
			slog.String("error", err.Error()),
		)
		_ = s.cache.Invalidate(ctx, r.Pair)
	}

	s.logger.InfoContext(ctx, "rate_service: rate updated",
		slog.String("pair", r.Pair),
		slog.String("buy", r.Buy.String()),
		slog.String("sell", r.Sell.String()),
	)
	return r, nil
}

// USDValue converts a crypto amount to USD at the mid rate. USDT falls back
// to par when no USDT_USD rate is configured.
func (s *RateService) USDValue(ctx context.Context, coin domain.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	r, err := s.GetRate(ctx, domain.PairName(coin.String(), "USD"))
	if err != nil {
		if coin == domain.CoinUSDT && errors.Is(err, domain.ErrNotFound) {
			return amount.Round(2), nil
		}
		return decimal.Zero, err
	}
	mid := r.Buy.Add(r.Sell).Div(decimal.NewFromInt(2))
	return amount.Mul(mid).Round(2), nil
}

// FiatRate returns the platform quote of coin in the local fiat currency:
// the buy side when the requester buys crypto, the sell side when they sell.
func (s *RateService) FiatRate(ctx context.Context, coin domain.Coin, side domain.TradeType) (decimal.Decimal, error) {
	r, err := s.GetRate(ctx, domain.PairName(coin.String(), s.fiat))
	if err != nil {
		return decimal.Zero, err
	}
	if side == domain.TradeTypeBuy {
		return r.Buy, nil
	}
	return r.Sell, nil
}
