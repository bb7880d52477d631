package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus represents the lifecycle state of a trade.
type TradeStatus string

const (
	TradeStatusPending         TradeStatus = "pending"
	TradeStatusAccepted        TradeStatus = "accepted"
	TradeStatusRejected        TradeStatus = "rejected"
	TradeStatusPaymentSent     TradeStatus = "payment_sent"
	TradeStatusPaymentRejected TradeStatus = "payment_rejected"
	TradeStatusCompleted       TradeStatus = "completed"
	TradeStatusCancelled       TradeStatus = "cancelled"
)

var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:     {TradeStatusAccepted, TradeStatusRejected, TradeStatusCancelled},
	TradeStatusAccepted:    {TradeStatusPaymentSent, TradeStatusCancelled},
	TradeStatusPaymentSent: {TradeStatusCompleted, TradeStatusPaymentRejected, TradeStatusCancelled},
}

// CanTransition reports whether the trade state machine allows s -> to.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	return slices.Contains(tradeTransitions[s], to)
}

// Terminal reports whether no further transitions are possible.
func (s TradeStatus) Terminal() bool {
	return len(tradeTransitions[s]) == 0
}

// TradeSourcesFor lists every status that may move to target. Stores use it
// as the compare-and-set guard.
func TradeSourcesFor(target TradeStatus) []TradeStatus {
	var out []TradeStatus
	for from, tos := range tradeTransitions {
		if slices.Contains(tos, target) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// TradeType is the requester's side of the trade.
type TradeType string

const (
	TradeTypeBuy  TradeType = "buy"
	TradeTypeSell TradeType = "sell"
)

// MatchMode records how the counterparty was chosen.
type MatchMode string

const (
	MatchModeAuto   MatchMode = "auto"
	MatchModeManual MatchMode = "manual"
)

// Settlement is how the fiat leg is paid.
type Settlement string

const (
	SettlementBankTransfer Settlement = "bank_transfer"
	SettlementCashDelivery Settlement = "cash_delivery"
)

// Trade is a crypto/fiat exchange between a requester and a merchant.
type Trade struct {
	ID             string
	RequesterID    string
	MerchantID     string
	SellerID       string
	BuyerID        string
	CryptoType     Coin
	CryptoAmount   decimal.Decimal
	FiatAmount     decimal.Decimal
	FiatCurrency   string
	USDAmount      decimal.Decimal
	Rate           decimal.Decimal
	TradeType      TradeType
	MatchMode      MatchMode
	PaymentMethod  string
	Settlement     Settlement
	Status         TradeStatus
	FeeCredits     int64
	ReleaseAddress string // buyer's receive address for escrowed crypto
	RefundAddress  string // seller's address for returning escrow
	CancelReason   string
	ExpiresAt      time.Time
	AcceptedAt     *time.Time
	PaymentSentAt  *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsParticipant reports whether userID is the requester or the merchant.
func (t Trade) IsParticipant(userID string) bool {
	return userID != "" && (t.RequesterID == userID || t.MerchantID == userID)
}

// Counterparty returns the other side of the trade for userID.
func (t Trade) Counterparty(userID string) string {
	if userID == t.RequesterID {
		return t.MerchantID
	}
	return t.RequesterID
}

// TradeUpdate carries optional column changes applied together with a status
// transition.
type TradeUpdate struct {
	ReleaseAddress *string
	CancelReason   string
}
