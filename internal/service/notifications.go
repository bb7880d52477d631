package service

import (
	"context"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// emit records a user notification. It is a no-op without an emitter or
// recipient; delivery failures are handled by the emitter.
func emit(ctx context.Context, e NotificationEmitter, userID string, typ domain.NotificationType, title, message string, data map[string]any) {
	if e == nil || userID == "" {
		return
	}
	e.Emit(ctx, domain.Notification{
		UserID:  userID,
		Type:    typ,
		Title:   title,
		Message: message,
		Data:    data,
	})
}

func tradeData(t domain.Trade) map[string]any {
	return map[string]any{
		"trade_id":      t.ID,
		"status":        string(t.Status),
		"trade_type":    string(t.TradeType),
		"crypto_type":   t.CryptoType.String(),
		"crypto_amount": t.CryptoAmount.String(),
		"fiat_amount":   t.FiatAmount.StringFixed(2),
		"fiat_currency": t.FiatCurrency,
	}
}

func jobData(j domain.VendorJob) map[string]any {
	d := map[string]any{
		"job_id":      j.ID,
		"status":      string(j.Status),
		"usd_amount":  j.USDAmount.StringFixed(2),
		"fiat_amount": j.FiatAmount.StringFixed(2),
	}
	if j.TradeID != nil {
		d["trade_id"] = *j.TradeID
	}
	return d
}
