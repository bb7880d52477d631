package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/chain"
	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// ToggleResult reports the outcome of a merchant mode change.
type ToggleResult struct {
	Success    bool
	IsMerchant bool
	Message    string
}

// DirectoryService derives the merchant directory from profiles and
// merchant settings and announces changes on the signal bus.
type DirectoryService struct {
	profiles  domain.ProfileStore
	merchants domain.MerchantStore
	chains    *chain.Registry
	bus       domain.SignalBus
	logger    *slog.Logger
}

// NewDirectoryService creates a DirectoryService with all required dependencies.
func NewDirectoryService(
	profiles domain.ProfileStore,
	merchants domain.MerchantStore,
	chains *chain.Registry,
	bus domain.SignalBus,
	logger *slog.Logger,
) *DirectoryService {
	return &DirectoryService{
		profiles:  profiles,
		merchants: merchants,
		chains:    chains,
		bus:       bus,
		logger:    logger.With(slog.String("component", "directory_service")),
	}
}

// ListEligible returns merchants that accept requests and whose limits
// include usd. A zero usd skips the limit check. excludeUserID never appears.
func (s *DirectoryService) ListEligible(ctx context.Context, excludeUserID string, usd decimal.Decimal) ([]domain.MerchantView, error) {
	views, err := s.merchants.ListViews(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory_service: list merchants: %w", err)
	}
	out := make([]domain.MerchantView, 0, len(views))
	for _, v := range views {
		if v.UserID == excludeUserID {
			continue
		}
		if v.Eligible(usd) {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetMerchant returns a single directory entry.
func (s *DirectoryService) GetMerchant(ctx context.Context, userID string) (domain.MerchantView, error) {
	v, err := s.merchants.GetView(ctx, userID)
	if err != nil {
		return domain.MerchantView{}, fmt.Errorf("directory_service: merchant %s: %w", userID, err)
	}
	return v, nil
}

// Subscribe calls fn with the full eligible list now and again after every
// change announced on the bus, until ctx ends. Bursts of changes are
// coalesced into one reload.
func (s *DirectoryService) Subscribe(ctx context.Context, excludeUserID string, fn func([]domain.MerchantView)) error {
	ch, err := s.bus.Subscribe(ctx, domain.ChannelMerchantsChanged)
	if err != nil {
		return fmt.Errorf("directory_service: subscribe: %w", err)
	}

	reload := func() {
		views, err := s.ListEligible(ctx, excludeUserID, decimal.Zero)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WarnContext(ctx, "directory_service: reload failed", slog.String("error", err.Error()))
			}
			return
		}
		fn(views)
	}

	go func() {
		reload()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case _, ok := <-ch:
						if !ok {
							break drain
						}
					default:
						break drain
					}
				}
				reload()
			}
		}
	}()
	return nil
}

// ToggleMerchantMode flips merchant mode for the caller. Enabling creates
// default settings unless some already exist; disabling keeps them.
func (s *DirectoryService) ToggleMerchantMode(ctx context.Context, actor domain.Actor, enabled bool) (ToggleResult, error) {
	if actor.System || actor.UserID == "" {
		return ToggleResult{Message: domain.UserMessage(domain.ErrUnauthorized)}, domain.ErrUnauthorized
	}

	p, err := s.profiles.SetMerchant(ctx, actor.UserID, enabled)
	if err != nil {
		err = fmt.Errorf("directory_service: set merchant %s: %w", actor.UserID, err)
		return ToggleResult{Message: domain.UserMessage(err)}, err
	}

	if enabled {
		if err := s.merchants.EnsureSettings(ctx, domain.DefaultMerchantSettings(actor.UserID)); err != nil {
			s.logger.WarnContext(ctx, "directory_service: default settings not created",
				slog.String("user_id", actor.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.publishChange(ctx, actor.UserID)

	msg := "merchant mode disabled"
	if p.IsMerchant {
		msg = "merchant mode enabled"
	}
	s.logger.InfoContext(ctx, "directory_service: merchant mode toggled",
		slog.String("user_id", actor.UserID),
		slog.Bool("enabled", p.IsMerchant),
	)
	return ToggleResult{Success: true, IsMerchant: p.IsMerchant, Message: msg}, nil
}

// UpdateSettings replaces the caller's merchant settings.
func (s *DirectoryService) UpdateSettings(ctx context.Context, actor domain.Actor, ms domain.MerchantSettings) (domain.MerchantSettings, error) {
	if actor.System || actor.UserID == "" {
		return domain.MerchantSettings{}, domain.ErrUnauthorized
	}
	p, err := s.profiles.GetByID(ctx, actor.UserID)
	if err != nil {
		return domain.MerchantSettings{}, fmt.Errorf("directory_service: profile %s: %w", actor.UserID, err)
	}
	if !p.IsMerchant {
		return domain.MerchantSettings{}, fmt.Errorf("directory_service: %s is not a merchant: %w", actor.UserID, domain.ErrForbidden)
	}

	ms.UserID = actor.UserID
	if err := s.validateSettings(&ms); err != nil {
		return domain.MerchantSettings{}, err
	}
	if err := s.merchants.UpsertSettings(ctx, ms); err != nil {
		return domain.MerchantSettings{}, fmt.Errorf("directory_service: upsert settings %s: %w", actor.UserID, err)
	}
	s.publishChange(ctx, actor.UserID)

	saved, err := s.merchants.GetSettings(ctx, actor.UserID)
	if err != nil {
		return domain.MerchantSettings{}, fmt.Errorf("directory_service: read back settings %s: %w", actor.UserID, err)
	}
	return saved, nil
}

func (s *DirectoryService) validateSettings(ms *domain.MerchantSettings) error {
	if ms.MinTradeUSD.IsNegative() {
		return domain.Invalid("min_trade_usd", "minimum trade amount must not be negative")
	}
	if !ms.MaxTradeUSD.IsPositive() || ms.MaxTradeUSD.LessThan(ms.MinTradeUSD) {
		return domain.Invalid("max_trade_usd", "maximum trade amount must be positive and not below the minimum")
	}
	if ms.AvgResponseSeconds < 0 {
		return domain.Invalid("avg_response_seconds", "response time must not be negative")
	}

	normalize := func(field string, rates map[domain.Coin]decimal.Decimal) (map[domain.Coin]decimal.Decimal, error) {
		out := make(map[domain.Coin]decimal.Decimal, len(rates))
		for coin, r := range rates {
			c := domain.ParseCoin(coin.String())
			if _, err := s.chains.Get(c); err != nil {
				return nil, domain.Invalid(field, fmt.Sprintf("unknown coin %s", coin))
			}
			if !r.IsPositive() {
				return nil, domain.Invalid(field, fmt.Sprintf("%s rate must be positive", c))
			}
			out[c] = r
		}
		return out, nil
	}
	var err error
	if ms.BuyRates, err = normalize("buy_rates", ms.BuyRates); err != nil {
		return err
	}
	if ms.SellRates, err = normalize("sell_rates", ms.SellRates); err != nil {
		return err
	}

	methods := make([]string, 0, len(ms.PaymentMethods))
	for _, m := range ms.PaymentMethods {
		if m = strings.TrimSpace(m); m != "" {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		methods = []string{string(domain.SettlementBankTransfer)}
	}
	ms.PaymentMethods = methods
	return nil
}

// publishChange announces a directory change. Subscribers reload the full
// list, so the payload only names the merchant.
func (s *DirectoryService) publishChange(ctx context.Context, userID string) {
	payload, _ := json.Marshal(map[string]string{"event": "merchant_changed", "user_id": userID})
	if err := s.bus.Publish(ctx, domain.ChannelMerchantsChanged, payload); err != nil {
		s.logger.WarnContext(ctx, "directory_service: publish change failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
