package domain

import (
	"context"
	"math/big"
)

// WalletRef addresses a custodial wallet for a single coin.
type WalletRef struct {
	Coin     string // provider coin id, e.g. "btc", "tbtc", "usdt"
	WalletID string
}

// TransferEntry is one output of a provider transfer.
type TransferEntry struct {
	Address string
	Value   *big.Int
}

// Transfer is a wallet transfer as reported by the provider.
type Transfer struct {
	TxID          string
	State         string
	Confirmations int
	Entries       []TransferEntry
}

// Confirmed reports whether the provider considers the transfer final.
func (t Transfer) Confirmed() bool {
	return t.State == "confirmed"
}

// SendRequest describes an outbound transfer in base units. SequenceID is the
// provider-side idempotency key.
type SendRequest struct {
	Address    string
	Amount     *big.Int
	SequenceID string
	Comment    string
}

// SendResult is the provider's reply to a send.
type SendResult struct {
	TxID   string
	Status string
}

// WalletProvider is the custodial wallet API used for escrow.
type WalletProvider interface {
	CreateAddress(ctx context.Context, ref WalletRef, label string) (string, error)
	ListTransfers(ctx context.Context, ref WalletRef) ([]Transfer, error)
	SendCoins(ctx context.Context, ref WalletRef, req SendRequest) (SendResult, error)
}
