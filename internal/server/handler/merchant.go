package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/service"
)

// DirectoryService defines the merchant directory methods the handler needs.
type DirectoryService interface {
	ListEligible(ctx context.Context, excludeUserID string, usd decimal.Decimal) ([]domain.MerchantView, error)
	ToggleMerchantMode(ctx context.Context, actor domain.Actor, enabled bool) (service.ToggleResult, error)
	UpdateSettings(ctx context.Context, actor domain.Actor, ms domain.MerchantSettings) (domain.MerchantSettings, error)
}

// MerchantHandler serves the merchant directory and merchant self-service.
type MerchantHandler struct {
	directory DirectoryService
	logger    *slog.Logger
}

// NewMerchantHandler creates a MerchantHandler.
func NewMerchantHandler(directory DirectoryService, logger *slog.Logger) *MerchantHandler {
	return &MerchantHandler{directory: directory, logger: logger.With(slog.String("handler", "merchants"))}
}

// ListMerchants returns merchants accepting requests, never the caller.
// GET /api/merchants?usd_amount=250
func (h *MerchantHandler) ListMerchants(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	usd := decimal.Zero
	if v := r.URL.Query().Get("usd_amount"); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil || parsed.IsNegative() {
			writeError(w, http.StatusBadRequest, "usd_amount must be a non-negative number")
			return
		}
		usd = parsed
	}
	views, err := h.directory.ListEligible(r.Context(), actor.UserID, usd)
	if err != nil {
		writeServiceError(w, r, h.logger, "list merchants", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merchants": NewMerchantViews(views)})
}

// ToggleMode enables or disables merchant mode for the caller.
// POST /api/merchant/mode {"enabled": true}
func (h *MerchantHandler) ToggleMode(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.directory.ToggleMerchantMode(r.Context(), actor, body.Enabled)
	if err != nil {
		writeServiceError(w, r, h.logger, "toggle merchant mode", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     res.Success,
		"is_merchant": res.IsMerchant,
		"message":     res.Message,
	})
}

// UpdateSettings replaces the caller's merchant settings.
// PUT /api/merchant/settings
func (h *MerchantHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	var body settingsBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := h.directory.UpdateSettings(r.Context(), actor, body.toDomain())
	if err != nil {
		writeServiceError(w, r, h.logger, "update merchant settings", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsBody(saved))
}
