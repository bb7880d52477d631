package domain

import "time"

// NotificationType tags a notification for client-side rendering.
type NotificationType string

const (
	NotifyTradeRequest      NotificationType = "trade_request"
	NotifyTradeAccepted     NotificationType = "trade_accepted"
	NotifyTradeRejected     NotificationType = "trade_rejected"
	NotifyTradeCancelled    NotificationType = "trade_cancelled"
	NotifyTradeExpired      NotificationType = "trade_expired"
	NotifyPaymentSent       NotificationType = "payment_sent"
	NotifyPaymentConfirmed  NotificationType = "payment_confirmed"
	NotifyPaymentRejected   NotificationType = "payment_rejected"
	NotifyOutForDelivery    NotificationType = "out_for_delivery"
	NotifyDeliveryCompleted NotificationType = "delivery_completed"
	NotifyEscrowReleased    NotificationType = "escrow_released"
	NotifyJobAssigned       NotificationType = "vendor_job_assigned"
)

// Notification is an append-only message for a single user.
type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]any
	Read      bool
	CreatedAt time.Time
}
