package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VendorJobStatus represents the cash-delivery lifecycle of a vendor job.
type VendorJobStatus string

const (
	JobStatusAwaitingMerchant VendorJobStatus = "awaiting_merchant"
	JobStatusPendingPayment   VendorJobStatus = "pending_payment"
	JobStatusMerchantAccepted VendorJobStatus = "merchant_accepted"
	JobStatusPaymentSent      VendorJobStatus = "payment_sent"
	JobStatusPaymentConfirmed VendorJobStatus = "payment_confirmed"
	JobStatusOutForDelivery   VendorJobStatus = "out_for_delivery"
	JobStatusCompleted        VendorJobStatus = "completed"
	JobStatusCancelled        VendorJobStatus = "cancelled"
	JobStatusPaymentRejected  VendorJobStatus = "payment_rejected"
)

// Input aliases used by older clients.
var jobStatusAliases = map[string]VendorJobStatus{
	"delivery_in_progress": JobStatusOutForDelivery,
	"payment_received":     JobStatusPaymentConfirmed,
}

// ParseJobStatus normalises a status string, resolving aliases.
func ParseJobStatus(s string) VendorJobStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	if st, ok := jobStatusAliases[s]; ok {
		return st
	}
	return VendorJobStatus(s)
}

var jobTransitions = map[VendorJobStatus][]VendorJobStatus{
	JobStatusAwaitingMerchant: {JobStatusMerchantAccepted, JobStatusCancelled},
	JobStatusPendingPayment:   {JobStatusPaymentSent, JobStatusPaymentConfirmed, JobStatusCancelled},
	JobStatusMerchantAccepted: {JobStatusPaymentSent, JobStatusPaymentConfirmed, JobStatusCancelled},
	JobStatusPaymentSent:      {JobStatusPaymentConfirmed, JobStatusPaymentRejected, JobStatusCancelled},
	// Re-confirming overwrites the received amount and reference.
	JobStatusPaymentConfirmed: {JobStatusPaymentConfirmed, JobStatusOutForDelivery, JobStatusCompleted, JobStatusCancelled},
	JobStatusOutForDelivery:   {JobStatusCompleted, JobStatusCancelled},
}

// CanTransition reports whether the vendor job state machine allows s -> to.
func (s VendorJobStatus) CanTransition(to VendorJobStatus) bool {
	return slices.Contains(jobTransitions[s], to)
}

// Terminal reports whether no further transitions are possible.
func (s VendorJobStatus) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// JobSourcesFor lists every status that may move to target.
func JobSourcesFor(target VendorJobStatus) []VendorJobStatus {
	var out []VendorJobStatus
	for from, tos := range jobTransitions {
		if slices.Contains(tos, target) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// DeliveryType is how the cash reaches the customer.
type DeliveryType string

const (
	DeliveryPickup   DeliveryType = "pickup"
	DeliveryDelivery DeliveryType = "delivery"
)

// VendorJob is the unit of work assigned to a cash vendor.
type VendorJob struct {
	ID                 string
	RequesterID        string // receives the cash and holds the verification code
	PayerID            string // pays the vendor's bank account
	VendorID           string
	TradeID            *string
	USDAmount          decimal.Decimal
	FiatAmount         decimal.Decimal
	AmountReceived     decimal.NullDecimal
	DeliveryType       DeliveryType
	DeliveryAddress    string
	BankReference      string
	PaymentProofURL    string
	Status             VendorJobStatus
	VerificationCode   string
	CancelReason       string
	ExpiresAt          time.Time
	PaymentSentAt      *time.Time
	PaymentConfirmedAt *time.Time
	DispatchedAt       *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsParticipant reports whether userID is the requester, payer or vendor.
func (j VendorJob) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return j.RequesterID == userID || j.PayerID == userID || j.VendorID == userID
}

// Redacted returns a copy without the verification code.
func (j VendorJob) Redacted() VendorJob {
	j.VerificationCode = ""
	return j
}

// VendorJobUpdate carries optional column changes applied together with a
// status transition. The verification code is deliberately absent.
type VendorJobUpdate struct {
	AmountReceived  *decimal.Decimal
	BankReference   *string
	PaymentProofURL *string
	CancelReason    string
}

// CashOrderDetails is the contact and delivery blob shown to the customer.
type CashOrderDetails struct {
	ContactName     string `json:"contact_name,omitempty"`
	ContactPhone    string `json:"contact_phone,omitempty"`
	DeliveryAddress string `json:"delivery_address,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// CashOrder is the customer-facing tracking projection of a vendor job.
type CashOrder struct {
	ID              string
	TrackingCode    string
	VendorJobID     string
	UserID          string
	USDAmount       decimal.Decimal
	FiatAmount      decimal.Decimal
	Status          VendorJobStatus
	PaymentProofURL string
	Details         CashOrderDetails
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
