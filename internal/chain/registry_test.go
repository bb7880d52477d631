package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

func TestValidateAddress(t *testing.T) {
	main := NewRegistry(Mainnet)
	test := NewRegistry(Testnet)

	tests := []struct {
		name string
		reg  *Registry
		coin domain.Coin
		addr string
		ok   bool
	}{
		{"btc p2pkh", main, domain.CoinBTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{"btc bech32", main, domain.CoinBTC, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{"btc garbage", main, domain.CoinBTC, "not-an-address", false},
		{"btc testnet on mainnet", main, domain.CoinBTC, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", false},
		{"btc testnet", test, domain.CoinBTC, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", true},
		{"eth checksummed", main, domain.CoinETH, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"eth lowercase", main, domain.CoinETH, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
		{"eth bad checksum", main, domain.CoinETH, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", false},
		{"usdt short", main, domain.CoinUSDT, "0x1234", false},
		{"xrp classic", main, domain.CoinXRP, "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", true},
		{"xrp with tag", main, domain.CoinXRP, "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh?dt=42", true},
		{"xrp wrong prefix", main, domain.CoinXRP, "xHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", false},
		{"empty", main, domain.CoinBTC, "  ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reg.ValidateAddress(tt.coin, tt.addr)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidAddress))
		})
	}
}

func TestUnsupportedCoin(t *testing.T) {
	r := NewRegistry(Mainnet)
	err := r.ValidateAddress("DOGE", "D123")
	assert.ErrorIs(t, err, domain.ErrUnsupportedCoin)
	assert.Equal(t, []domain.Coin{domain.CoinBTC, domain.CoinETH, domain.CoinUSDT, domain.CoinXRP}, r.Coins())
}

func TestBaseUnitConversion(t *testing.T) {
	r := NewRegistry(Mainnet)

	units, err := r.ToBaseUnits(domain.CoinBTC, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50_000_000), units)

	units, err = r.ToBaseUnits(domain.CoinUSDT, decimal.RequireFromString("500"))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500_000_000), units)

	wei, err := r.ToBaseUnits(domain.CoinETH, decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	assert.Equal(t, "12500000000000000000", wei.String())

	_, err = r.ToBaseUnits(domain.CoinBTC, decimal.RequireFromString("0.123456789"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	back, err := r.FromBaseUnits(domain.CoinBTC, big.NewInt(12_345))
	require.NoError(t, err)
	assert.True(t, back.Equal(decimal.RequireFromString("0.00012345")))
}
