package service

import (
	"context"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// Alerter sends operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// NotificationEmitter records user notifications. Emit never fails the
// caller; *notify.Emitter satisfies it.
type NotificationEmitter interface {
	Emit(ctx context.Context, n domain.Notification)
}

// Stores bundles the persistence ports shared by the trading services.
type Stores struct {
	Tx         domain.TxRunner
	Profiles   domain.ProfileStore
	Merchants  domain.MerchantStore
	Vendors    domain.VendorStore
	Trades     domain.TradeStore
	Jobs       domain.VendorJobStore
	CashOrders domain.CashOrderStore
	Escrows    domain.EscrowStore
	Audit      domain.AuditStore
}
