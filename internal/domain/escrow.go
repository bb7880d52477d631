package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus represents the state of a custodial deposit address.
type EscrowStatus string

const (
	EscrowPending       EscrowStatus = "pending"
	EscrowFunded        EscrowStatus = "funded"
	EscrowReleasing     EscrowStatus = "releasing"
	EscrowReleased      EscrowStatus = "released"
	EscrowReleaseFailed EscrowStatus = "release_failed"
	EscrowRefunding     EscrowStatus = "refunding"
	EscrowRefunded      EscrowStatus = "refunded"
	EscrowCancelled     EscrowStatus = "cancelled"
)

// Terminal reports whether the escrow row can no longer move funds.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowCancelled:
		return true
	}
	return false
}

// EscrowAddress is the deposit address allocated for a trade.
type EscrowAddress struct {
	ID                 string
	TradeID            string
	Coin               Coin
	Address            string
	WalletID           string
	ExpectedAmount     decimal.Decimal
	ReceivedAmount     decimal.NullDecimal
	Status             EscrowStatus
	DestinationAddress string
	TxHash             string
	ReleaseAttempts    int
	LastError          string
	ReleasedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EscrowUpdate carries optional column changes applied with a transition.
type EscrowUpdate struct {
	DestinationAddress *string
	TxHash             *string
	ReceivedAmount     *decimal.Decimal
	LastError          *string
	CountAttempt       bool
	MarkReleased       bool
}

// DepositCheck is the audit result of a deposit verification.
type DepositCheck struct {
	Verified      bool
	Address       string
	TxID          string
	Expected      *big.Int
	Received      *big.Int
	Confirmations int
	Confirmed     bool
}
