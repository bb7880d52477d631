package domain

import "strings"

// Coin identifies a crypto asset traded on the platform.
type Coin string

const (
	CoinBTC  Coin = "BTC"
	CoinETH  Coin = "ETH"
	CoinXRP  Coin = "XRP"
	CoinUSDT Coin = "USDT"
)

// ParseCoin normalises user input into a Coin. Unknown symbols are returned
// as-is so callers can report them.
func ParseCoin(s string) Coin {
	return Coin(strings.ToUpper(strings.TrimSpace(s)))
}

func (c Coin) String() string { return string(c) }
