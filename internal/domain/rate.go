package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rate is the current buy/sell conversion for a currency pair such as
// "USD_NGN" or "BTC_USD".
type Rate struct {
	Pair      string
	Buy       decimal.Decimal
	Sell      decimal.Decimal
	UpdatedAt time.Time
}

// PairName builds a pair key from two symbols.
func PairName(base, quote string) string {
	return base + "_" + quote
}
