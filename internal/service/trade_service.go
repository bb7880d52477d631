package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/chain"
	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// TradeConfig holds the matching engine parameters.
type TradeConfig struct {
	FeeDivisorUSD int64
	TradeTTL      time.Duration
	CashOrderTTL  time.Duration
	RequestLimit  int
	RequestWindow time.Duration
	// EscrowCoins lists coins whose sell requests are escrowed.
	EscrowCoins []domain.Coin
}

// CreateTradeRequest is the input of CreateTradeRequest. MerchantID selects
// manual matching; leave it empty for auto matching.
type CreateTradeRequest struct {
	CryptoType      domain.Coin
	CryptoAmount    decimal.Decimal
	USDAmount       decimal.Decimal
	TradeType       domain.TradeType
	MerchantID      string
	PaymentMethod   string
	Settlement      domain.Settlement
	DeliveryType    domain.DeliveryType
	DeliveryAddress string
	ContactName     string
	ContactPhone    string
	Notes           string
	// ReleaseAddress receives the crypto when the requester is the buyer.
	ReleaseAddress string
	// RefundAddress gets escrow back when the requester is the seller.
	RefundAddress string
}

// CreateTradeResult describes a created (or unmatched) trade request.
type CreateTradeResult struct {
	TradeID          string
	MerchantID       string
	VendorJobID      string
	TrackingCode     string
	VerificationCode string
	EscrowAddress    string
	FeeCredits       int64
	Matched          bool
	Status           domain.TradeStatus
	Message          string
}

// ConfirmResult reports a settled trade and the escrow release outcome.
type ConfirmResult struct {
	Trade    domain.Trade
	Released bool
	TxHash   string
	Message  string
}

// TradeService is the trade matching engine. It picks counterparties, books
// trades with their fee and vendor job in one transaction, and drives the
// trade status machine.
type TradeService struct {
	st        Stores
	directory *DirectoryService
	rates     *RateService
	escrow    *EscrowService
	chains    *chain.Registry
	limiter   domain.RateLimiter
	emitter   NotificationEmitter
	cfg       TradeConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewTradeService creates a TradeService with all required dependencies.
// escrow may be nil when no coin is escrowed.
func NewTradeService(
	st Stores,
	directory *DirectoryService,
	rates *RateService,
	escrow *EscrowService,
	chains *chain.Registry,
	limiter domain.RateLimiter,
	emitter NotificationEmitter,
	cfg TradeConfig,
	logger *slog.Logger,
) *TradeService {
	if cfg.FeeDivisorUSD <= 0 {
		cfg.FeeDivisorUSD = 10
	}
	if cfg.TradeTTL <= 0 {
		cfg.TradeTTL = 30 * time.Minute
	}
	if cfg.CashOrderTTL <= 0 {
		cfg.CashOrderTTL = 24 * time.Hour
	}
	return &TradeService{
		st:        st,
		directory: directory,
		rates:     rates,
		escrow:    escrow,
		chains:    chains,
		limiter:   limiter,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "trade_service")),
		now:       time.Now,
	}
}

// FeeFor returns the credit fee for a trade worth usd: ceil(usd / divisor).
func (s *TradeService) FeeFor(usd decimal.Decimal) int64 {
	if !usd.IsPositive() {
		return 0
	}
	return usd.Div(decimal.NewFromInt(s.cfg.FeeDivisorUSD)).Ceil().IntPart()
}

// CreateTradeRequest matches the caller with a merchant and books the trade.
// When no merchant is available the result has Matched=false and nothing is
// written.
func (s *TradeService) CreateTradeRequest(ctx context.Context, actor domain.Actor, req CreateTradeRequest) (CreateTradeResult, error) {
	if actor.System || actor.UserID == "" {
		return CreateTradeResult{}, domain.ErrUnauthorized
	}
	if err := s.validateRequest(actor, &req); err != nil {
		return CreateTradeResult{}, err
	}

	if s.limiter != nil && s.cfg.RequestLimit > 0 {
		allowed, err := s.limiter.Allow(ctx, "trade_requests:"+actor.UserID, s.cfg.RequestLimit, s.cfg.RequestWindow)
		if err != nil {
			return CreateTradeResult{}, fmt.Errorf("trade_service: rate limiter: %w", err)
		}
		if !allowed {
			return CreateTradeResult{}, fmt.Errorf("trade_service: %s: %w", actor.UserID, domain.ErrRateLimited)
		}
	}

	usd := req.USDAmount
	if !usd.IsPositive() {
		v, err := s.rates.USDValue(ctx, req.CryptoType, req.CryptoAmount)
		if err != nil {
			return CreateTradeResult{}, fmt.Errorf("trade_service: usd value: %w", err)
		}
		usd = v
	}
	fee := s.FeeFor(usd)

	requester, err := s.st.Profiles.GetByID(ctx, actor.UserID)
	if err != nil {
		return CreateTradeResult{}, fmt.Errorf("trade_service: requester %s: %w", actor.UserID, err)
	}
	if requester.CreditsBalance < fee {
		return CreateTradeResult{}, fmt.Errorf("trade_service: need %d credits, have %d: %w",
			fee, requester.CreditsBalance, domain.ErrInsufficientCredits)
	}

	merchant, mode, err := s.pickMerchant(ctx, actor.UserID, req, usd)
	if err != nil {
		if errors.Is(err, domain.ErrNoMerchantAvailable) {
			s.logger.InfoContext(ctx, "trade_service: no merchant available",
				slog.String("requester", actor.UserID),
				slog.String("usd", usd.String()),
			)
			return CreateTradeResult{FeeCredits: fee, Message: "no merchant available"}, nil
		}
		return CreateTradeResult{}, err
	}

	rate, ok := merchant.RateFor(req.CryptoType, req.TradeType)
	if !ok {
		if rate, err = s.rates.FiatRate(ctx, req.CryptoType, req.TradeType); err != nil {
			return CreateTradeResult{}, fmt.Errorf("trade_service: fiat rate: %w", err)
		}
	}
	fiat := req.CryptoAmount.Mul(rate).Round(2)

	cash := req.Settlement == domain.SettlementCashDelivery
	var vendor domain.Vendor
	if cash {
		if vendor, err = s.st.Vendors.PickAvailable(ctx); err != nil {
			return CreateTradeResult{}, fmt.Errorf("trade_service: pick vendor: %w", err)
		}
	}

	now := s.now().UTC()
	trade := domain.Trade{
		ID:            uuid.NewString(),
		RequesterID:   actor.UserID,
		MerchantID:    merchant.UserID,
		CryptoType:    req.CryptoType,
		CryptoAmount:  req.CryptoAmount,
		FiatAmount:    fiat,
		FiatCurrency:  s.rates.Fiat(),
		USDAmount:     usd,
		Rate:          rate,
		TradeType:     req.TradeType,
		MatchMode:     mode,
		PaymentMethod: req.PaymentMethod,
		Settlement:    req.Settlement,
		Status:        domain.TradeStatusPending,
		FeeCredits:    fee,
		ExpiresAt:     now.Add(s.cfg.TradeTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.TradeType == domain.TradeTypeSell {
		trade.SellerID, trade.BuyerID = actor.UserID, merchant.UserID
		trade.RefundAddress = req.RefundAddress
	} else {
		trade.SellerID, trade.BuyerID = merchant.UserID, actor.UserID
		trade.ReleaseAddress = req.ReleaseAddress
	}

	var (
		job   *domain.VendorJob
		order *domain.CashOrder
	)
	if cash {
		if job, order, err = s.newDelivery(trade, vendor, req, now); err != nil {
			return CreateTradeResult{}, fmt.Errorf("trade_service: %w", err)
		}
	}

	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		balance, err := s.st.Profiles.DebitCredits(ctx, actor.UserID, fee)
		if err != nil {
			return err
		}
		if err := s.st.Trades.Create(ctx, trade); err != nil {
			return err
		}
		if job != nil {
			if err := s.st.Jobs.Create(ctx, *job); err != nil {
				return err
			}
			if err := s.st.CashOrders.Create(ctx, *order); err != nil {
				return err
			}
		}
		return s.st.Audit.Log(ctx, "trade_created", map[string]any{
			"trade_id":      trade.ID,
			"requester_id":  trade.RequesterID,
			"merchant_id":   trade.MerchantID,
			"match_mode":    string(mode),
			"usd_amount":    usd.String(),
			"fee_credits":   fee,
			"credits_after": balance,
		})
	})
	if err != nil {
		return CreateTradeResult{}, fmt.Errorf("trade_service: create trade: %w", err)
	}

	result := CreateTradeResult{
		TradeID:    trade.ID,
		MerchantID: merchant.UserID,
		FeeCredits: fee,
		Matched:    true,
		Status:     trade.Status,
		Message:    "trade request sent to merchant",
	}
	if job != nil {
		result.VendorJobID = job.ID
		result.TrackingCode = order.TrackingCode
		result.VerificationCode = job.VerificationCode
	}

	if s.needsEscrow(trade) {
		e, err := s.escrow.Allocate(ctx, trade.ID, trade.CryptoType, trade.CryptoAmount)
		if err != nil {
			if _, cErr := s.closeTrade(ctx, trade, domain.TradeStatusCancelled, "escrow allocation failed"); cErr != nil {
				s.logger.ErrorContext(ctx, "trade_service: compensation failed",
					slog.String("trade_id", trade.ID),
					slog.String("error", cErr.Error()),
				)
			}
			return CreateTradeResult{}, fmt.Errorf("trade_service: escrow for %s: %w", trade.ID, err)
		}
		result.EscrowAddress = e.Address
	}

	emit(ctx, s.emitter, merchant.UserID, domain.NotifyTradeRequest, "New trade request",
		fmt.Sprintf("%s %s %s for %s %s", strings.ToUpper(string(trade.TradeType)), trade.CryptoAmount, trade.CryptoType,
			trade.FiatAmount.StringFixed(2), trade.FiatCurrency),
		tradeData(trade))
	if job != nil {
		emit(ctx, s.emitter, vendor.UserID, domain.NotifyJobAssigned, "New cash delivery job",
			fmt.Sprintf("Deliver %s USD", job.USDAmount.StringFixed(2)), jobData(*job))
	}

	s.logger.InfoContext(ctx, "trade_service: trade created",
		slog.String("trade_id", trade.ID),
		slog.String("merchant_id", merchant.UserID),
		slog.String("mode", string(mode)),
		slog.Int64("fee_credits", fee),
	)

	if merchant.AutoAccept {
		accepted, err := s.AcceptTrade(ctx, domain.UserActor(merchant.UserID), trade.ID, "")
		if err != nil {
			s.logger.InfoContext(ctx, "trade_service: auto-accept skipped",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()),
			)
		} else {
			result.Status = accepted.Status
			result.Message = "trade accepted by merchant"
		}
	}
	return result, nil
}

func (s *TradeService) validateRequest(actor domain.Actor, req *CreateTradeRequest) error {
	req.CryptoType = domain.ParseCoin(req.CryptoType.String())
	if !req.CryptoAmount.IsPositive() {
		return domain.Invalid("crypto_amount", "amount must be positive")
	}
	if req.USDAmount.IsNegative() {
		return domain.Invalid("usd_amount", "usd amount must not be negative")
	}
	if _, err := s.chains.Get(req.CryptoType); err != nil {
		return err
	}
	if _, err := s.chains.ToBaseUnits(req.CryptoType, req.CryptoAmount); err != nil {
		return err
	}
	if req.TradeType != domain.TradeTypeBuy && req.TradeType != domain.TradeTypeSell {
		return domain.Invalid("trade_type", "trade type must be buy or sell")
	}

	if req.Settlement == "" {
		req.Settlement = domain.SettlementBankTransfer
	}
	switch req.Settlement {
	case domain.SettlementBankTransfer:
	case domain.SettlementCashDelivery:
		if req.TradeType != domain.TradeTypeSell {
			return domain.Invalid("settlement", "cash delivery is only available when selling crypto")
		}
		if err := validateDelivery(&req.DeliveryType, req.DeliveryAddress); err != nil {
			return err
		}
	default:
		return domain.Invalid("settlement", "settlement must be bank_transfer or cash_delivery")
	}

	req.ReleaseAddress = strings.TrimSpace(req.ReleaseAddress)
	if req.ReleaseAddress != "" {
		if req.TradeType != domain.TradeTypeBuy {
			return domain.Invalid("release_address", "only the buyer supplies a release address")
		}
		if err := s.chains.ValidateAddress(req.CryptoType, req.ReleaseAddress); err != nil {
			return err
		}
	}
	req.RefundAddress = strings.TrimSpace(req.RefundAddress)
	if req.RefundAddress != "" {
		if req.TradeType != domain.TradeTypeSell {
			return domain.Invalid("refund_address", "only the seller supplies a refund address")
		}
		if err := s.chains.ValidateAddress(req.CryptoType, req.RefundAddress); err != nil {
			return err
		}
	}

	req.MerchantID = strings.TrimSpace(req.MerchantID)
	if req.MerchantID != "" && req.MerchantID == actor.UserID {
		return domain.Invalid("merchant_id", "you cannot trade with yourself")
	}
	if req.PaymentMethod = strings.TrimSpace(req.PaymentMethod); req.PaymentMethod == "" {
		req.PaymentMethod = string(req.Settlement)
	}
	return nil
}

func validateDelivery(typ *domain.DeliveryType, address string) error {
	if *typ == "" {
		*typ = domain.DeliveryPickup
	}
	switch *typ {
	case domain.DeliveryPickup:
	case domain.DeliveryDelivery:
		if strings.TrimSpace(address) == "" {
			return domain.Invalid("delivery_address", "a delivery address is required")
		}
	default:
		return domain.Invalid("delivery_type", "delivery type must be pickup or delivery")
	}
	return nil
}

func (s *TradeService) pickMerchant(ctx context.Context, requesterID string, req CreateTradeRequest, usd decimal.Decimal) (domain.MerchantView, domain.MatchMode, error) {
	if req.MerchantID != "" {
		m, err := s.directory.GetMerchant(ctx, req.MerchantID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.MerchantView{}, "", fmt.Errorf("trade_service: merchant %s: %w", req.MerchantID, domain.ErrMerchantNotEligible)
			}
			return domain.MerchantView{}, "", fmt.Errorf("trade_service: %w", err)
		}
		if !m.Accepting() {
			return domain.MerchantView{}, "", fmt.Errorf("trade_service: merchant %s: %w", req.MerchantID, domain.ErrMerchantNotEligible)
		}
		if !m.WithinLimits(usd) {
			return domain.MerchantView{}, "", fmt.Errorf("trade_service: merchant %s: %w: %w", req.MerchantID,
				domain.ErrAmountOutOfRange,
				domain.Invalid("usd_amount", fmt.Sprintf("amount must be between %s and %s USD",
					m.MinTradeUSD.StringFixed(2), m.MaxTradeUSD.StringFixed(2))))
		}
		return m, domain.MatchModeManual, nil
	}

	candidates, err := s.directory.ListEligible(ctx, requesterID, usd)
	if err != nil {
		return domain.MerchantView{}, "", fmt.Errorf("trade_service: %w", err)
	}
	m, ok := SelectMerchant(candidates, req.CryptoType, req.TradeType)
	if !ok {
		return domain.MerchantView{}, "", domain.ErrNoMerchantAvailable
	}
	return m, domain.MatchModeAuto, nil
}

// newDelivery builds the vendor job and cash order paired with a cash
// delivery trade. The merchant pays the vendor; the requester receives the
// cash and holds the verification code.
func (s *TradeService) newDelivery(t domain.Trade, vendor domain.Vendor, req CreateTradeRequest, now time.Time) (*domain.VendorJob, *domain.CashOrder, error) {
	code, err := newVerificationCode()
	if err != nil {
		return nil, nil, err
	}
	tracking, err := newTrackingCode()
	if err != nil {
		return nil, nil, err
	}
	tradeID := t.ID
	job := &domain.VendorJob{
		ID:               uuid.NewString(),
		RequesterID:      t.RequesterID,
		PayerID:          t.MerchantID,
		VendorID:         vendor.UserID,
		TradeID:          &tradeID,
		USDAmount:        t.USDAmount,
		FiatAmount:       t.FiatAmount,
		DeliveryType:     req.DeliveryType,
		DeliveryAddress:  strings.TrimSpace(req.DeliveryAddress),
		Status:           domain.JobStatusAwaitingMerchant,
		VerificationCode: code,
		ExpiresAt:        now.Add(s.cfg.CashOrderTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	order := &domain.CashOrder{
		ID:           uuid.NewString(),
		TrackingCode: tracking,
		VendorJobID:  job.ID,
		UserID:       t.RequesterID,
		USDAmount:    t.USDAmount,
		FiatAmount:   t.FiatAmount,
		Status:       job.Status,
		Details: domain.CashOrderDetails{
			ContactName:     req.ContactName,
			ContactPhone:    req.ContactPhone,
			DeliveryAddress: job.DeliveryAddress,
			Notes:           req.Notes,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return job, order, nil
}

func (s *TradeService) needsEscrow(t domain.Trade) bool {
	return s.escrow != nil &&
		t.TradeType == domain.TradeTypeSell &&
		slices.Contains(s.cfg.EscrowCoins, t.CryptoType) &&
		s.escrow.Supports(t.CryptoType)
}

// AcceptTrade is the merchant's acceptance. A buying merchant supplies the
// address escrowed crypto is released to.
func (s *TradeService) AcceptTrade(ctx context.Context, actor domain.Actor, tradeID, releaseAddress string) (domain.Trade, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !actor.Is(t.MerchantID) {
		return domain.Trade{}, fmt.Errorf("trade_service: accept %s: %w", tradeID, domain.ErrForbidden)
	}

	var upd domain.TradeUpdate
	merchantBuys := t.BuyerID == t.MerchantID
	releaseAddress = strings.TrimSpace(releaseAddress)
	switch {
	case releaseAddress != "":
		if !merchantBuys {
			return domain.Trade{}, domain.Invalid("release_address", "only the buyer supplies a release address")
		}
		if err := s.chains.ValidateAddress(t.CryptoType, releaseAddress); err != nil {
			return domain.Trade{}, err
		}
		upd.ReleaseAddress = &releaseAddress
	case merchantBuys && t.ReleaseAddress == "" && s.needsEscrow(t):
		return domain.Trade{}, domain.Invalid("release_address", "a release address is required to accept this trade")
	}

	var accepted domain.Trade
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		accepted, err = s.st.Trades.Transition(ctx, tradeID,
			[]domain.TradeStatus{domain.TradeStatusPending}, domain.TradeStatusAccepted, upd)
		if err != nil {
			return err
		}
		return s.advanceJob(ctx, tradeID,
			[]domain.VendorJobStatus{domain.JobStatusAwaitingMerchant}, domain.JobStatusMerchantAccepted)
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: accept %s: %w", tradeID, err)
	}

	emit(ctx, s.emitter, accepted.RequesterID, domain.NotifyTradeAccepted, "Trade accepted",
		"Your trade request was accepted by the merchant", tradeData(accepted))
	return accepted, nil
}

// RejectTrade is the merchant's refusal. The fee is refunded and any escrow
// returned.
func (s *TradeService) RejectTrade(ctx context.Context, actor domain.Actor, tradeID, reason string) (domain.Trade, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !actor.Is(t.MerchantID) {
		return domain.Trade{}, fmt.Errorf("trade_service: reject %s: %w", tradeID, domain.ErrForbidden)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "rejected by merchant"
	}

	rejected, err := s.closeTrade(ctx, t, domain.TradeStatusRejected, reason)
	if err != nil {
		return domain.Trade{}, err
	}
	emit(ctx, s.emitter, rejected.RequesterID, domain.NotifyTradeRejected, "Trade rejected",
		reason, tradeData(rejected))
	return rejected, nil
}

// MarkTradePaymentSent records that the buyer paid the fiat leg.
func (s *TradeService) MarkTradePaymentSent(ctx context.Context, actor domain.Actor, tradeID string) (domain.Trade, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !actor.Is(t.BuyerID) {
		return domain.Trade{}, fmt.Errorf("trade_service: payment sent %s: %w", tradeID, domain.ErrForbidden)
	}

	var sent domain.Trade
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		sent, err = s.st.Trades.Transition(ctx, tradeID,
			[]domain.TradeStatus{domain.TradeStatusAccepted}, domain.TradeStatusPaymentSent, domain.TradeUpdate{})
		if err != nil {
			return err
		}
		return s.advanceJob(ctx, tradeID,
			[]domain.VendorJobStatus{domain.JobStatusMerchantAccepted}, domain.JobStatusPaymentSent)
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: payment sent %s: %w", tradeID, err)
	}

	emit(ctx, s.emitter, sent.SellerID, domain.NotifyPaymentSent, "Payment sent",
		"The buyer marked the payment as sent", tradeData(sent))
	return sent, nil
}

// ConfirmTradePayment is the seller's confirmation on the bank transfer
// path. It completes the trade and releases escrow to the buyer.
func (s *TradeService) ConfirmTradePayment(ctx context.Context, actor domain.Actor, tradeID string) (ConfirmResult, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if !actor.Is(t.SellerID) {
		return ConfirmResult{}, fmt.Errorf("trade_service: confirm %s: %w", tradeID, domain.ErrForbidden)
	}
	if t.Settlement == domain.SettlementCashDelivery {
		return ConfirmResult{}, domain.Invalid("settlement", "cash delivery trades complete when the verification code is confirmed")
	}

	completed, err := s.st.Trades.Transition(ctx, tradeID,
		[]domain.TradeStatus{domain.TradeStatusPaymentSent}, domain.TradeStatusCompleted, domain.TradeUpdate{})
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("trade_service: confirm %s: %w", tradeID, err)
	}

	res := ConfirmResult{Trade: completed, Message: "trade completed"}
	e, held, err := s.releaseEscrow(ctx, completed)
	switch {
	case err != nil:
		res.Message = "trade completed; crypto release pending"
		emit(ctx, s.emitter, completed.BuyerID, domain.NotifyPaymentConfirmed, "Payment confirmed",
			"The seller confirmed your payment. Crypto release is pending.", tradeData(completed))
	case held:
		res.Released = true
		res.TxHash = e.TxHash
		res.Message = "trade completed; crypto released"
		data := tradeData(completed)
		data["tx_hash"] = e.TxHash
		emit(ctx, s.emitter, completed.BuyerID, domain.NotifyEscrowReleased, "Crypto released",
			fmt.Sprintf("%s %s was sent to your address", completed.CryptoAmount, completed.CryptoType), data)
	default:
		emit(ctx, s.emitter, completed.BuyerID, domain.NotifyPaymentConfirmed, "Payment confirmed",
			"The seller confirmed your payment", tradeData(completed))
	}
	return res, nil
}

// RejectTradePayment is the seller disputing the payment. The trade ends in
// payment_rejected for manual resolution.
func (s *TradeService) RejectTradePayment(ctx context.Context, actor domain.Actor, tradeID, reason string) (domain.Trade, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !actor.Is(t.SellerID) {
		return domain.Trade{}, fmt.Errorf("trade_service: reject payment %s: %w", tradeID, domain.ErrForbidden)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "payment not received"
	}

	var rejected domain.Trade
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		rejected, err = s.st.Trades.Transition(ctx, tradeID,
			[]domain.TradeStatus{domain.TradeStatusPaymentSent}, domain.TradeStatusPaymentRejected,
			domain.TradeUpdate{CancelReason: reason})
		if err != nil {
			return err
		}
		return s.advanceJob(ctx, tradeID,
			[]domain.VendorJobStatus{domain.JobStatusPaymentSent}, domain.JobStatusPaymentRejected)
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: reject payment %s: %w", tradeID, err)
	}

	emit(ctx, s.emitter, rejected.BuyerID, domain.NotifyPaymentRejected, "Payment rejected",
		reason, tradeData(rejected))
	return rejected, nil
}

// CancelTrade cancels a non-terminal trade for a participant or the system.
// The fee is refunded only if the trade was never accepted.
func (s *TradeService) CancelTrade(ctx context.Context, actor domain.Actor, tradeID, reason string) (domain.Trade, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !actor.System && !t.IsParticipant(actor.UserID) {
		return domain.Trade{}, fmt.Errorf("trade_service: cancel %s: %w", tradeID, domain.ErrForbidden)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "cancelled by " + actor.Label()
	}

	cancelled, err := s.closeTrade(ctx, t, domain.TradeStatusCancelled, reason)
	if err != nil {
		return domain.Trade{}, err
	}

	recipients := []string{cancelled.RequesterID, cancelled.MerchantID}
	if !actor.System {
		recipients = []string{cancelled.Counterparty(actor.UserID)}
	}
	for _, uid := range recipients {
		emit(ctx, s.emitter, uid, domain.NotifyTradeCancelled, "Trade cancelled", reason, tradeData(cancelled))
	}
	return cancelled, nil
}

// ExpireTrade cancels a trade whose expiry has passed and tells both sides.
func (s *TradeService) ExpireTrade(ctx context.Context, t domain.Trade) (domain.Trade, error) {
	expired, err := s.closeTrade(ctx, t, domain.TradeStatusCancelled, "expired")
	if err != nil {
		return domain.Trade{}, err
	}
	for _, uid := range []string{expired.RequesterID, expired.MerchantID} {
		emit(ctx, s.emitter, uid, domain.NotifyTradeExpired, "Trade expired",
			"The trade expired before it was completed", tradeData(expired))
	}
	return expired, nil
}

// GetTrade returns a trade visible to the caller.
func (s *TradeService) GetTrade(ctx context.Context, actor domain.Actor, tradeID string) (domain.Trade, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !actor.System && !t.IsParticipant(actor.UserID) {
		return domain.Trade{}, fmt.Errorf("trade_service: get %s: %w", tradeID, domain.ErrForbidden)
	}
	return t, nil
}

// ListTrades returns the caller's trades, newest first.
func (s *TradeService) ListTrades(ctx context.Context, actor domain.Actor, opts domain.ListOpts) ([]domain.Trade, error) {
	if actor.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	trades, err := s.st.Trades.ListByUser(ctx, actor.UserID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list trades: %w", err)
	}
	return trades, nil
}

func (s *TradeService) loadTrade(ctx context.Context, tradeID string) (domain.Trade, error) {
	t, err := s.st.Trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: trade %s: %w", tradeID, err)
	}
	return t, nil
}

// closeTrade moves t to a terminal status in one transaction with its job
// cancellation and, for never-accepted trades, the fee refund. Escrow is
// returned after commit.
func (s *TradeService) closeTrade(ctx context.Context, t domain.Trade, to domain.TradeStatus, reason string) (domain.Trade, error) {
	if !t.Status.CanTransition(to) {
		return domain.Trade{}, &domain.TransitionError{
			Entity: "trade", ID: t.ID, Current: string(t.Status), Target: string(to),
		}
	}

	var closed domain.Trade
	err := s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		closed, err = s.st.Trades.Transition(ctx, t.ID, []domain.TradeStatus{t.Status}, to,
			domain.TradeUpdate{CancelReason: reason})
		if err != nil {
			return err
		}
		if err := s.cancelJobFor(ctx, t.ID, reason); err != nil {
			return err
		}
		if t.Status != domain.TradeStatusPending || t.FeeCredits <= 0 {
			return nil
		}
		balance, err := s.st.Profiles.RefundCredits(ctx, t.RequesterID, t.FeeCredits)
		if err != nil {
			return err
		}
		return s.st.Audit.Log(ctx, "credits_refunded", map[string]any{
			"trade_id":      t.ID,
			"user_id":       t.RequesterID,
			"credits":       t.FeeCredits,
			"credits_after": balance,
			"reason":        reason,
		})
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: %s trade %s: %w", to, t.ID, err)
	}

	s.returnEscrow(ctx, closed)
	s.logger.InfoContext(ctx, "trade_service: trade closed",
		slog.String("trade_id", t.ID),
		slog.String("status", string(to)),
		slog.String("reason", reason),
	)
	return closed, nil
}

// cancelJobFor cancels the job paired with a trade, if any is still open.
func (s *TradeService) cancelJobFor(ctx context.Context, tradeID, reason string) error {
	job, err := s.st.Jobs.GetByTradeID(ctx, tradeID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if _, err := s.st.Jobs.Transition(ctx, job.ID, domain.JobSourcesFor(domain.JobStatusCancelled),
		domain.JobStatusCancelled, domain.VendorJobUpdate{CancelReason: reason}); err != nil {
		return err
	}
	return syncCashOrder(ctx, s.st.CashOrders, job.ID, domain.JobStatusCancelled, nil)
}

// advanceJob moves the job paired with a trade, if there is one.
func (s *TradeService) advanceJob(ctx context.Context, tradeID string, from []domain.VendorJobStatus, to domain.VendorJobStatus) error {
	job, err := s.st.Jobs.GetByTradeID(ctx, tradeID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.st.Jobs.Transition(ctx, job.ID, from, to, domain.VendorJobUpdate{}); err != nil {
		return err
	}
	return syncCashOrder(ctx, s.st.CashOrders, job.ID, to, nil)
}

// returnEscrow refunds or cancels any escrow held for a closed trade.
func (s *TradeService) returnEscrow(ctx context.Context, t domain.Trade) {
	if s.escrow == nil {
		return
	}
	if _, err := s.escrow.Refund(ctx, t.ID, t.RefundAddress); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.ErrorContext(ctx, "trade_service: escrow refund failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// releaseEscrow releases escrow held for t to its release address. held is
// false when the trade has no escrow.
func (s *TradeService) releaseEscrow(ctx context.Context, t domain.Trade) (domain.EscrowAddress, bool, error) {
	if s.escrow == nil {
		return domain.EscrowAddress{}, false, nil
	}
	e, err := s.escrow.Release(ctx, t.ID, t.ReleaseAddress)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.EscrowAddress{}, false, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "trade_service: escrow release failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
		return e, false, err
	}
	return e, true, nil
}

// syncCashOrder mirrors a job status onto its cash order. Jobs without a
// cash order are skipped.
func syncCashOrder(ctx context.Context, orders domain.CashOrderStore, jobID string, status domain.VendorJobStatus, proofURL *string) error {
	if err := orders.SyncStatus(ctx, jobID, status, proofURL); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}
