package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TxRunner runs fn inside a single database transaction. Stores called with
// the ctx passed to fn take part in that transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProfileStore persists user identity and role records.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	SetMerchant(ctx context.Context, id string, enabled bool) (Profile, error)
	// DebitCredits subtracts amount and returns the new balance. It returns
	// ErrInsufficientCredits without writing when the balance is short.
	DebitCredits(ctx context.Context, id string, amount int64) (int64, error)
	RefundCredits(ctx context.Context, id string, amount int64) (int64, error)
	ListMerchants(ctx context.Context) ([]Profile, error)
}

// MerchantStore persists merchant settings and serves the directory join.
type MerchantStore interface {
	// EnsureSettings inserts s unless a row already exists for s.UserID.
	EnsureSettings(ctx context.Context, s MerchantSettings) error
	UpsertSettings(ctx context.Context, s MerchantSettings) error
	GetSettings(ctx context.Context, userID string) (MerchantSettings, error)
	ListViews(ctx context.Context) ([]MerchantView, error)
	GetView(ctx context.Context, userID string) (MerchantView, error)
}

// VendorStore persists cash vendors.
type VendorStore interface {
	GetByID(ctx context.Context, userID string) (Vendor, error)
	// PickAvailable returns the active vendor with the fewest open jobs.
	PickAvailable(ctx context.Context) (Vendor, error)
}

// TradeStore persists trades. Transition is a compare-and-set: it only
// applies when the current status is one of from.
type TradeStore interface {
	Create(ctx context.Context, t Trade) error
	GetByID(ctx context.Context, id string) (Trade, error)
	Transition(ctx context.Context, id string, from []TradeStatus, to TradeStatus, upd TradeUpdate) (Trade, error)
	ListExpired(ctx context.Context, now time.Time, statuses []TradeStatus, limit int) ([]Trade, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
}

// VendorJobStore persists vendor jobs.
type VendorJobStore interface {
	Create(ctx context.Context, j VendorJob) error
	GetByID(ctx context.Context, id string) (VendorJob, error)
	GetByTradeID(ctx context.Context, tradeID string) (VendorJob, error)
	Transition(ctx context.Context, id string, from []VendorJobStatus, to VendorJobStatus, upd VendorJobUpdate) (VendorJob, error)
	ListExpiredStandalone(ctx context.Context, now time.Time, statuses []VendorJobStatus, limit int) ([]VendorJob, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]VendorJob, error)
}

// CashOrderStore persists the customer-facing cash order projection.
type CashOrderStore interface {
	Create(ctx context.Context, o CashOrder) error
	GetByTrackingCode(ctx context.Context, code string) (CashOrder, error)
	GetByVendorJobID(ctx context.Context, jobID string) (CashOrder, error)
	SyncStatus(ctx context.Context, jobID string, status VendorJobStatus, proofURL *string) error
}

// EscrowStore persists escrow deposit addresses.
type EscrowStore interface {
	Create(ctx context.Context, e EscrowAddress) error
	GetByTradeID(ctx context.Context, tradeID string) (EscrowAddress, error)
	Transition(ctx context.Context, tradeID string, from []EscrowStatus, to EscrowStatus, upd EscrowUpdate) (EscrowAddress, error)
	ListByStatus(ctx context.Context, status EscrowStatus, limit int) ([]EscrowAddress, error)
	// ListAwaitingDeposit returns pending rows that already have a release
	// destination, i.e. releases blocked on a missing deposit.
	ListAwaitingDeposit(ctx context.Context, limit int) ([]EscrowAddress, error)
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	Insert(ctx context.Context, n Notification) error
	ListByUser(ctx context.Context, userID string, unreadOnly bool, opts ListOpts) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
}

// RateStore persists conversion rates.
type RateStore interface {
	Get(ctx context.Context, pair string) (Rate, error)
	Upsert(ctx context.Context, r Rate) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows an audit listing. Empty fields match everything.
type AuditFilter struct {
	TradeID string
	Event   string
	ListOpts
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
