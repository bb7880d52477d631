package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile is the identity and role record of a platform user.
type Profile struct {
	ID              string
	DisplayName     string
	Email           string
	Phone           string
	IsMerchant      bool
	MerchantMode    bool // online and accepting requests
	IsPremium       bool
	IsVendor        bool
	CreditsBalance  int64
	Rating          float64
	CompletedTrades int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MerchantSettings holds per-merchant trading parameters. Rates are quoted in
// fiat per one unit of the coin.
type MerchantSettings struct {
	UserID             string
	BuyRates           map[Coin]decimal.Decimal
	SellRates          map[Coin]decimal.Decimal
	MinTradeUSD        decimal.Decimal
	MaxTradeUSD        decimal.Decimal
	AutoAccept         bool
	AutoRelease        bool
	Online             bool
	PaymentMethods     []string
	AvgResponseSeconds int
	UpdatedAt          time.Time
}

// DefaultMerchantSettings returns the settings created lazily when a user
// first enables merchant mode.
func DefaultMerchantSettings(userID string) MerchantSettings {
	return MerchantSettings{
		UserID:             userID,
		BuyRates:           map[Coin]decimal.Decimal{},
		SellRates:          map[Coin]decimal.Decimal{},
		MinTradeUSD:        decimal.NewFromInt(10),
		MaxTradeUSD:        decimal.NewFromInt(10000),
		Online:             true,
		PaymentMethods:     []string{"bank_transfer"},
		AvgResponseSeconds: 300,
	}
}

// MerchantView is the directory projection joining a merchant profile with
// its settings.
type MerchantView struct {
	UserID             string
	DisplayName        string
	Rating             float64
	CompletedTrades    int
	IsMerchant         bool
	MerchantMode       bool
	Online             bool
	AutoAccept         bool
	AvgResponseSeconds int
	PaymentMethods     []string
	BuyRates           map[Coin]decimal.Decimal
	SellRates          map[Coin]decimal.Decimal
	MinTradeUSD        decimal.Decimal
	MaxTradeUSD        decimal.Decimal
}

// Accepting reports whether the merchant takes new requests at all.
func (m MerchantView) Accepting() bool {
	return m.IsMerchant && m.MerchantMode && m.Online
}

// WithinLimits reports whether usd falls inside [MinTradeUSD, MaxTradeUSD].
// A zero amount is treated as "no amount yet" and always passes.
func (m MerchantView) WithinLimits(usd decimal.Decimal) bool {
	if usd.IsZero() {
		return true
	}
	if usd.LessThan(m.MinTradeUSD) {
		return false
	}
	if m.MaxTradeUSD.IsPositive() && usd.GreaterThan(m.MaxTradeUSD) {
		return false
	}
	return true
}

// Eligible combines Accepting and WithinLimits.
func (m MerchantView) Eligible(usd decimal.Decimal) bool {
	return m.Accepting() && m.WithinLimits(usd)
}

// RateFor returns the merchant's quote for a request of the given type. When
// the requester sells, the merchant buys; when the requester buys, the
// merchant sells.
func (m MerchantView) RateFor(coin Coin, requesterSide TradeType) (decimal.Decimal, bool) {
	rates := m.SellRates
	if requesterSide == TradeTypeSell {
		rates = m.BuyRates
	}
	r, ok := rates[coin]
	if !ok || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// Vendor is a cash-handling agent with a bank account that receives fiat
// before delivering cash.
type Vendor struct {
	UserID        string
	DisplayName   string
	BankName      string
	AccountNumber string
	AccountName   string
	Active        bool
	OpenJobs      int
}
