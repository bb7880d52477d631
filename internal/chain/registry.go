// Package chain holds per-coin metadata: destination-address validation and
// conversion between display amounts and provider base units.
package chain

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// Network selects mainnet or testnet address rules.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Spec describes one supported coin.
type Spec struct {
	Coin     domain.Coin
	Decimals int32
	validate func(addr string, net Network) error
}

// Registry maps coins to their Spec.
type Registry struct {
	mu      sync.RWMutex
	specs   map[domain.Coin]Spec
	network Network
}

// NewRegistry returns a Registry preloaded with BTC, ETH, USDT (ERC-20) and
// XRP for the given network.
func NewRegistry(network Network) *Registry {
	if network != Testnet {
		network = Mainnet
	}
	r := &Registry{specs: make(map[domain.Coin]Spec), network: network}
	r.Register(Spec{Coin: domain.CoinBTC, Decimals: 8, validate: validateBTC})
	r.Register(Spec{Coin: domain.CoinETH, Decimals: 18, validate: validateEVM})
	r.Register(Spec{Coin: domain.CoinUSDT, Decimals: 6, validate: validateEVM})
	r.Register(Spec{Coin: domain.CoinXRP, Decimals: 6, validate: validateXRP})
	return r
}

// Register adds or replaces a coin spec.
func (r *Registry) Register(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[s.Coin] = s
}

// Get returns the spec for coin or domain.ErrUnsupportedCoin.
func (r *Registry) Get(coin domain.Coin) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[coin]
	if !ok {
		return Spec{}, fmt.Errorf("chain: %s: %w", coin, domain.ErrUnsupportedCoin)
	}
	return s, nil
}

// Coins lists the registered coins in sorted order.
func (r *Registry) Coins() []domain.Coin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Coin, 0, len(r.specs))
	for c := range r.specs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateAddress checks addr against the coin's address format.
func (r *Registry) ValidateAddress(coin domain.Coin, addr string) error {
	s, err := r.Get(coin)
	if err != nil {
		return err
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("chain: %s: empty address: %w", coin, domain.ErrInvalidAddress)
	}
	if err := s.validate(addr, r.network); err != nil {
		return fmt.Errorf("chain: %s: %v: %w", coin, err, domain.ErrInvalidAddress)
	}
	return nil
}

// ToBaseUnits converts a display amount (e.g. 0.5 BTC) into provider base
// units (satoshi). Amounts with more precision than the coin supports are
// rejected rather than rounded.
func (r *Registry) ToBaseUnits(coin domain.Coin, amount decimal.Decimal) (*big.Int, error) {
	s, err := r.Get(coin)
	if err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		return nil, domain.Invalid("amount", "amount must not be negative")
	}
	shifted := amount.Shift(s.Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, domain.Invalid("amount", fmt.Sprintf("%s supports at most %d decimal places", coin, s.Decimals))
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts provider base units back to a display amount.
func (r *Registry) FromBaseUnits(coin domain.Coin, units *big.Int) (decimal.Decimal, error) {
	s, err := r.Get(coin)
	if err != nil {
		return decimal.Zero, err
	}
	if units == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(units, -s.Decimals), nil
}

func validateBTC(addr string, net Network) error {
	params := &chaincfg.MainNetParams
	if net == Testnet {
		params = &chaincfg.TestNet3Params
	}
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("bitcoin address is not for %s", net)
	}
	return nil
}

func validateEVM(addr string, _ Network) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid hex address")
	}
	// Mixed-case input must carry a valid EIP-55 checksum.
	body := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if strings.ToLower(body) != body && strings.ToUpper(body) != body {
		if common.HexToAddress(addr).Hex() != addr {
			return fmt.Errorf("invalid address checksum")
		}
	}
	return nil
}

var xrpAddressRE = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

func validateXRP(addr string, _ Network) error {
	// Classic addresses may carry a destination tag as "addr?dt=123".
	if i := strings.IndexByte(addr, '?'); i > 0 {
		addr = addr[:i]
	}
	if !xrpAddressRE.MatchString(addr) {
		return fmt.Errorf("invalid xrp classic address")
	}
	return nil
}
