package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// RateService defines the rate source methods the handlers need.
type RateService interface {
	GetRate(ctx context.Context, pair string) (domain.Rate, error)
	SetRate(ctx context.Context, r domain.Rate) (domain.Rate, error)
}

// RateHandler serves conversion rates.
type RateHandler struct {
	rates  RateService
	logger *slog.Logger
}

// NewRateHandler creates a RateHandler.
func NewRateHandler(rates RateService, logger *slog.Logger) *RateHandler {
	return &RateHandler{rates: rates, logger: logger.With(slog.String("handler", "rates"))}
}

// GetRate returns the current rate for a pair such as USD_NGN.
// GET /api/rates/{pair}
func (h *RateHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.rates.GetRate(r.Context(), r.PathValue("pair"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get rate", err)
		return
	}
	writeJSON(w, http.StatusOK, newRateView(rate))
}

// SetRate stores an operator-supplied rate.
// PUT /api/admin/rates {"pair":"USD_NGN","buy":"1600","sell":"1650"}
func (h *RateHandler) SetRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pair string          `json:"pair"`
		Buy  decimal.Decimal `json:"buy"`
		Sell decimal.Decimal `json:"sell"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := h.rates.SetRate(r.Context(), domain.Rate{Pair: body.Pair, Buy: body.Buy, Sell: body.Sell})
	if err != nil {
		writeServiceError(w, r, h.logger, "set rate", err)
		return
	}
	writeJSON(w, http.StatusOK, newRateView(saved))
}
