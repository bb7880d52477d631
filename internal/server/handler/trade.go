package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/service"
)

// TradeService defines the methods that the trade handler requires from the
// service layer.
type TradeService interface {
	CreateTradeRequest(ctx context.Context, actor domain.Actor, req service.CreateTradeRequest) (service.CreateTradeResult, error)
	AcceptTrade(ctx context.Context, actor domain.Actor, tradeID, releaseAddress string) (domain.Trade, error)
	RejectTrade(ctx context.Context, actor domain.Actor, tradeID, reason string) (domain.Trade, error)
	MarkTradePaymentSent(ctx context.Context, actor domain.Actor, tradeID string) (domain.Trade, error)
	ConfirmTradePayment(ctx context.Context, actor domain.Actor, tradeID string) (service.ConfirmResult, error)
	RejectTradePayment(ctx context.Context, actor domain.Actor, tradeID, reason string) (domain.Trade, error)
	CancelTrade(ctx context.Context, actor domain.Actor, tradeID, reason string) (domain.Trade, error)
	GetTrade(ctx context.Context, actor domain.Actor, tradeID string) (domain.Trade, error)
	ListTrades(ctx context.Context, actor domain.Actor, opts domain.ListOpts) ([]domain.Trade, error)
}

// TradeHandler serves the trade request endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger.With(slog.String("handler", "trades"))}
}

type createTradeBody struct {
	CryptoType      domain.Coin         `json:"crypto_type"`
	CryptoAmount    decimal.Decimal     `json:"crypto_amount"`
	USDAmount       decimal.Decimal     `json:"usd_amount"`
	TradeType       domain.TradeType    `json:"trade_type"`
	MerchantID      string              `json:"merchant_id"`
	PaymentMethod   string              `json:"payment_method"`
	Settlement      domain.Settlement   `json:"settlement"`
	DeliveryType    domain.DeliveryType `json:"delivery_type"`
	DeliveryAddress string              `json:"delivery_address"`
	ContactName     string              `json:"contact_name"`
	ContactPhone    string              `json:"contact_phone"`
	Notes           string              `json:"notes"`
	ReleaseAddress  string              `json:"release_address"`
	RefundAddress   string              `json:"refund_address"`
}

type createTradeResponse struct {
	Success          bool               `json:"success"`
	Matched          bool               `json:"matched"`
	TradeID          string             `json:"trade_id,omitempty"`
	MerchantID       string             `json:"merchant_id,omitempty"`
	VendorJobID      string             `json:"vendor_job_id,omitempty"`
	TrackingCode     string             `json:"tracking_code,omitempty"`
	VerificationCode string             `json:"verification_code,omitempty"`
	EscrowAddress    string             `json:"escrow_address,omitempty"`
	FeeCredits       int64              `json:"fee_credits"`
	Status           domain.TradeStatus `json:"status,omitempty"`
	Message          string             `json:"message,omitempty"`
}

// CreateTrade books a trade request, auto-matched unless merchant_id is set.
// POST /api/trades
func (h *TradeHandler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var body createTradeBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.trades.CreateTradeRequest(r.Context(), actor, service.CreateTradeRequest{
		CryptoType:      body.CryptoType,
		CryptoAmount:    body.CryptoAmount,
		USDAmount:       body.USDAmount,
		TradeType:       body.TradeType,
		MerchantID:      body.MerchantID,
		PaymentMethod:   body.PaymentMethod,
		Settlement:      body.Settlement,
		DeliveryType:    body.DeliveryType,
		DeliveryAddress: body.DeliveryAddress,
		ContactName:     body.ContactName,
		ContactPhone:    body.ContactPhone,
		Notes:           body.Notes,
		ReleaseAddress:  body.ReleaseAddress,
		RefundAddress:   body.RefundAddress,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create trade", err)
		return
	}

	status := http.StatusCreated
	if !res.Matched {
		status = http.StatusOK
	}
	writeJSON(w, status, createTradeResponse{
		Success:          res.Matched,
		Matched:          res.Matched,
		TradeID:          res.TradeID,
		MerchantID:       res.MerchantID,
		VendorJobID:      res.VendorJobID,
		TrackingCode:     res.TrackingCode,
		VerificationCode: res.VerificationCode,
		EscrowAddress:    res.EscrowAddress,
		FeeCredits:       res.FeeCredits,
		Status:           res.Status,
		Message:          res.Message,
	})
}

// ListTrades returns the caller's trades.
// GET /api/trades?limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	trades, err := h.trades.ListTrades(r.Context(), actor, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": newTradeViews(trades)})
}

// GetTrade returns one trade the caller takes part in.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	t, err := h.trades.GetTrade(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get trade", err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t))
}

// Accept is called by the merchant. A buying merchant on an escrowed trade
// names the address that receives the crypto.
// POST /api/trades/{id}/accept
func (h *TradeHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReleaseAddress string `json:"release_address"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.transition(w, r, "accept trade", func(ctx context.Context, a domain.Actor, id string) (domain.Trade, error) {
		return h.trades.AcceptTrade(ctx, a, id, body.ReleaseAddress)
	})
}

// Reject declines a pending trade.
// POST /api/trades/{id}/reject
func (h *TradeHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.transition(w, r, "reject trade", func(ctx context.Context, a domain.Actor, id string) (domain.Trade, error) {
		return h.trades.RejectTrade(ctx, a, id, body.Reason)
	})
}

// PaymentSent records the buyer's bank transfer.
// POST /api/trades/{id}/payment-sent
func (h *TradeHandler) PaymentSent(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "mark payment sent", h.trades.MarkTradePaymentSent)
}

// ConfirmPayment settles a bank-transfer trade and releases escrow.
// POST /api/trades/{id}/confirm-payment
func (h *TradeHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	res, err := h.trades.ConfirmTradePayment(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "confirm payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trade":    newTradeView(res.Trade),
		"released": res.Released,
		"tx_hash":  res.TxHash,
		"message":  res.Message,
	})
}

// RejectPayment disputes the buyer's transfer.
// POST /api/trades/{id}/reject-payment
func (h *TradeHandler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.transition(w, r, "reject payment", func(ctx context.Context, a domain.Actor, id string) (domain.Trade, error) {
		return h.trades.RejectTradePayment(ctx, a, id, body.Reason)
	})
}

// Cancel withdraws a trade that has not settled.
// POST /api/trades/{id}/cancel
func (h *TradeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.transition(w, r, "cancel trade", func(ctx context.Context, a domain.Actor, id string) (domain.Trade, error) {
		return h.trades.CancelTrade(ctx, a, id, body.Reason)
	})
}

func (h *TradeHandler) transition(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, a domain.Actor, id string) (domain.Trade, error)) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	t, err := fn(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t))
}
