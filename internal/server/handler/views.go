package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// Response shapes. Domain types carry no JSON tags; these views decide what
// leaves the process.

type tradeView struct {
	ID             string             `json:"id"`
	RequesterID    string             `json:"requester_id"`
	MerchantID     string             `json:"merchant_id"`
	SellerID       string             `json:"seller_id"`
	BuyerID        string             `json:"buyer_id"`
	CryptoType     domain.Coin        `json:"crypto_type"`
	CryptoAmount   decimal.Decimal    `json:"crypto_amount"`
	FiatAmount     decimal.Decimal    `json:"fiat_amount"`
	FiatCurrency   string             `json:"fiat_currency"`
	USDAmount      decimal.Decimal    `json:"usd_amount"`
	Rate           decimal.Decimal    `json:"rate"`
	TradeType      domain.TradeType   `json:"trade_type"`
	MatchMode      domain.MatchMode   `json:"match_mode"`
	PaymentMethod  string             `json:"payment_method,omitempty"`
	Settlement     domain.Settlement  `json:"settlement"`
	Status         domain.TradeStatus `json:"status"`
	FeeCredits     int64              `json:"fee_credits"`
	ReleaseAddress string             `json:"release_address,omitempty"`
	RefundAddress  string             `json:"refund_address,omitempty"`
	CancelReason   string             `json:"cancel_reason,omitempty"`
	ExpiresAt      time.Time          `json:"expires_at"`
	AcceptedAt     *time.Time         `json:"accepted_at,omitempty"`
	PaymentSentAt  *time.Time         `json:"payment_sent_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	CancelledAt    *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

func newTradeView(t domain.Trade) tradeView {
	return tradeView{
		ID:             t.ID,
		RequesterID:    t.RequesterID,
		MerchantID:     t.MerchantID,
		SellerID:       t.SellerID,
		BuyerID:        t.BuyerID,
		CryptoType:     t.CryptoType,
		CryptoAmount:   t.CryptoAmount,
		FiatAmount:     t.FiatAmount,
		FiatCurrency:   t.FiatCurrency,
		USDAmount:      t.USDAmount,
		Rate:           t.Rate,
		TradeType:      t.TradeType,
		MatchMode:      t.MatchMode,
		PaymentMethod:  t.PaymentMethod,
		Settlement:     t.Settlement,
		Status:         t.Status,
		FeeCredits:     t.FeeCredits,
		ReleaseAddress: t.ReleaseAddress,
		RefundAddress:  t.RefundAddress,
		CancelReason:   t.CancelReason,
		ExpiresAt:      t.ExpiresAt,
		AcceptedAt:     t.AcceptedAt,
		PaymentSentAt:  t.PaymentSentAt,
		CompletedAt:    t.CompletedAt,
		CancelledAt:    t.CancelledAt,
		CreatedAt:      t.CreatedAt,
	}
}

func newTradeViews(ts []domain.Trade) []tradeView {
	out := make([]tradeView, 0, len(ts))
	for _, t := range ts {
		out = append(out, newTradeView(t))
	}
	return out
}

type jobView struct {
	ID               string                 `json:"id"`
	RequesterID      string                 `json:"requester_id"`
	PayerID          string                 `json:"payer_id"`
	VendorID         string                 `json:"vendor_id"`
	TradeID          *string                `json:"trade_id,omitempty"`
	USDAmount        decimal.Decimal        `json:"usd_amount"`
	FiatAmount       decimal.Decimal        `json:"fiat_amount"`
	AmountReceived   *decimal.Decimal       `json:"amount_received,omitempty"`
	DeliveryType     domain.DeliveryType    `json:"delivery_type"`
	DeliveryAddress  string                 `json:"delivery_address,omitempty"`
	BankReference    string                 `json:"bank_reference,omitempty"`
	PaymentProofURL  string                 `json:"payment_proof_url,omitempty"`
	Status           domain.VendorJobStatus `json:"status"`
	VerificationCode string                 `json:"verification_code,omitempty"`
	CancelReason     string                 `json:"cancel_reason,omitempty"`
	ExpiresAt        time.Time              `json:"expires_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// newJobView renders a job. The verification code is shown only when the
// service left it on the value, which it does for the requester alone.
func newJobView(j domain.VendorJob) jobView {
	v := jobView{
		ID:               j.ID,
		RequesterID:      j.RequesterID,
		PayerID:          j.PayerID,
		VendorID:         j.VendorID,
		TradeID:          j.TradeID,
		USDAmount:        j.USDAmount,
		FiatAmount:       j.FiatAmount,
		DeliveryType:     j.DeliveryType,
		DeliveryAddress:  j.DeliveryAddress,
		BankReference:    j.BankReference,
		PaymentProofURL:  j.PaymentProofURL,
		Status:           j.Status,
		VerificationCode: j.VerificationCode,
		CancelReason:     j.CancelReason,
		ExpiresAt:        j.ExpiresAt,
		CompletedAt:      j.CompletedAt,
		CreatedAt:        j.CreatedAt,
	}
	if j.AmountReceived.Valid {
		amt := j.AmountReceived.Decimal
		v.AmountReceived = &amt
	}
	return v
}

type merchantView struct {
	UserID             string                          `json:"user_id"`
	DisplayName        string                          `json:"display_name"`
	Rating             float64                         `json:"rating"`
	CompletedTrades    int                             `json:"completed_trades"`
	Online             bool                            `json:"online"`
	AutoAccept         bool                            `json:"auto_accept"`
	AvgResponseSeconds int                             `json:"avg_response_seconds"`
	PaymentMethods     []string                        `json:"payment_methods"`
	BuyRates           map[domain.Coin]decimal.Decimal `json:"buy_rates"`
	SellRates          map[domain.Coin]decimal.Decimal `json:"sell_rates"`
	MinTradeUSD        decimal.Decimal                 `json:"min_trade_usd"`
	MaxTradeUSD        decimal.Decimal                 `json:"max_trade_usd"`
}

// NewMerchantViews renders directory entries. The websocket hub shares it.
func NewMerchantViews(ms []domain.MerchantView) []any {
	out := make([]any, 0, len(ms))
	for _, m := range ms {
		out = append(out, merchantView{
			UserID:             m.UserID,
			DisplayName:        m.DisplayName,
			Rating:             m.Rating,
			CompletedTrades:    m.CompletedTrades,
			Online:             m.Online,
			AutoAccept:         m.AutoAccept,
			AvgResponseSeconds: m.AvgResponseSeconds,
			PaymentMethods:     m.PaymentMethods,
			BuyRates:           m.BuyRates,
			SellRates:          m.SellRates,
			MinTradeUSD:        m.MinTradeUSD,
			MaxTradeUSD:        m.MaxTradeUSD,
		})
	}
	return out
}

type settingsBody struct {
	BuyRates           map[domain.Coin]decimal.Decimal `json:"buy_rates"`
	SellRates          map[domain.Coin]decimal.Decimal `json:"sell_rates"`
	MinTradeUSD        decimal.Decimal                 `json:"min_trade_usd"`
	MaxTradeUSD        decimal.Decimal                 `json:"max_trade_usd"`
	AutoAccept         bool                            `json:"auto_accept"`
	AutoRelease        bool                            `json:"auto_release"`
	Online             bool                            `json:"online"`
	PaymentMethods     []string                        `json:"payment_methods"`
	AvgResponseSeconds int                             `json:"avg_response_seconds"`
}

func (b settingsBody) toDomain() domain.MerchantSettings {
	return domain.MerchantSettings{
		BuyRates:           b.BuyRates,
		SellRates:          b.SellRates,
		MinTradeUSD:        b.MinTradeUSD,
		MaxTradeUSD:        b.MaxTradeUSD,
		AutoAccept:         b.AutoAccept,
		AutoRelease:        b.AutoRelease,
		Online:             b.Online,
		PaymentMethods:     b.PaymentMethods,
		AvgResponseSeconds: b.AvgResponseSeconds,
	}
}

func newSettingsBody(ms domain.MerchantSettings) settingsBody {
	return settingsBody{
		BuyRates:           ms.BuyRates,
		SellRates:          ms.SellRates,
		MinTradeUSD:        ms.MinTradeUSD,
		MaxTradeUSD:        ms.MaxTradeUSD,
		AutoAccept:         ms.AutoAccept,
		AutoRelease:        ms.AutoRelease,
		Online:             ms.Online,
		PaymentMethods:     ms.PaymentMethods,
		AvgResponseSeconds: ms.AvgResponseSeconds,
	}
}

type rateView struct {
	Pair      string          `json:"pair"`
	Buy       decimal.Decimal `json:"buy"`
	Sell      decimal.Decimal `json:"sell"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newRateView(r domain.Rate) rateView {
	return rateView{Pair: r.Pair, Buy: r.Buy, Sell: r.Sell, UpdatedAt: r.UpdatedAt}
}

type cashOrderView struct {
	TrackingCode    string                  `json:"tracking_code"`
	USDAmount       decimal.Decimal         `json:"usd_amount"`
	FiatAmount      decimal.Decimal         `json:"fiat_amount"`
	Status          domain.VendorJobStatus  `json:"status"`
	PaymentProofURL string                  `json:"payment_proof_url,omitempty"`
	Details         domain.CashOrderDetails `json:"details"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

func newCashOrderView(o domain.CashOrder) cashOrderView {
	return cashOrderView{
		TrackingCode:    o.TrackingCode,
		USDAmount:       o.USDAmount,
		FiatAmount:      o.FiatAmount,
		Status:          o.Status,
		PaymentProofURL: o.PaymentProofURL,
		Details:         o.Details,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

type escrowView struct {
	TradeID            string              `json:"trade_id"`
	Coin               domain.Coin         `json:"coin"`
	Address            string              `json:"address"`
	ExpectedAmount     decimal.Decimal     `json:"expected_amount"`
	ReceivedAmount     *decimal.Decimal    `json:"received_amount,omitempty"`
	Status             domain.EscrowStatus `json:"status"`
	DestinationAddress string              `json:"destination_address,omitempty"`
	TxHash             string              `json:"tx_hash,omitempty"`
	ReleaseAttempts    int                 `json:"release_attempts"`
}

func newEscrowView(e domain.EscrowAddress) escrowView {
	v := escrowView{
		TradeID:            e.TradeID,
		Coin:               e.Coin,
		Address:            e.Address,
		ExpectedAmount:     e.ExpectedAmount,
		Status:             e.Status,
		DestinationAddress: e.DestinationAddress,
		TxHash:             e.TxHash,
		ReleaseAttempts:    e.ReleaseAttempts,
	}
	if e.ReceivedAmount.Valid {
		amt := e.ReceivedAmount.Decimal
		v.ReceivedAmount = &amt
	}
	return v
}
