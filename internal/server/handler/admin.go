package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/service"
)

// EscrowService is the operator view of the escrow gateway.
type EscrowService interface {
	ConfirmDeposit(ctx context.Context, tradeID, txID string) (domain.EscrowAddress, domain.DepositCheck, error)
	Events(ctx context.Context, afterID string, limit int) ([]domain.StreamMessage, error)
	AuditTrail(ctx context.Context, tradeID string, limit int) ([]domain.AuditEntry, error)
}

// Sweeper runs one expiry pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (service.SweepResult, error)
}

// AdminHandler serves operator endpoints. Routes are guarded by the API key
// middleware.
type AdminHandler struct {
	escrow  EscrowService
	sweeper Sweeper
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(escrow EscrowService, sweeper Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{escrow: escrow, sweeper: sweeper, logger: logger.With(slog.String("handler", "admin"))}
}

// ConfirmDeposit checks the provider for the trade's escrow deposit and
// marks it funded when it matches.
// POST /api/admin/escrow/{tradeId}/confirm-deposit {"tx_id":"..."}
func (h *AdminHandler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TxID string `json:"tx_id"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, check, err := h.escrow.ConfirmDeposit(r.Context(), r.PathValue("tradeId"), body.TxID)
	if err != nil {
		writeServiceError(w, r, h.logger, "confirm deposit", err)
		return
	}

	resp := map[string]any{
		"escrow":        newEscrowView(row),
		"verified":      check.Verified,
		"confirmed":     check.Confirmed,
		"confirmations": check.Confirmations,
		"tx_id":         check.TxID,
	}
	if check.Expected != nil {
		resp["expected_base_units"] = check.Expected.String()
	}
	if check.Received != nil {
		resp["received_base_units"] = check.Received.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// EscrowEvents pages through the escrow event stream.
// GET /api/admin/escrow/events?after=<stream id>&limit=100
func (h *AdminHandler) EscrowEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	msgs, err := h.escrow.Events(r.Context(), q.Get("after"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "escrow events", err)
		return
	}

	type eventView struct {
		ID    string          `json:"id"`
		Event json.RawMessage `json:"event"`
	}
	out := make([]eventView, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, eventView{ID: m.ID, Event: m.Payload})
	}
	next := q.Get("after")
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}

// EscrowAudit lists the audit trail of one trade's escrow.
// GET /api/admin/escrow/{tradeId}/audit?limit=50
func (h *AdminHandler) EscrowAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.escrow.AuditTrail(r.Context(), r.PathValue("tradeId"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "escrow audit", err)
		return
	}

	type entryView struct {
		ID        int64          `json:"id"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail"`
		CreatedAt time.Time      `json:"created_at"`
	}
	out := make([]entryView, len(entries))
	for i, e := range entries {
		out[i] = entryView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// Sweep runs the expiry sweeper once.
// POST /api/admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, r, h.logger, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"trades": res.Trades,
		"jobs":   res.Jobs,
		"failed": res.Failed,
	})
}
