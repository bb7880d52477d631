package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/notify"
)

// NotificationReader lists and acknowledges user notifications.
// *notify.Emitter satisfies it.
type NotificationReader interface {
	List(ctx context.Context, userID string, unreadOnly bool, opts domain.ListOpts) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
}

// NotificationHandler serves the caller's notification feed.
type NotificationHandler struct {
	notes  NotificationReader
	logger *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(notes NotificationReader, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{notes: notes, logger: logger.With(slog.String("handler", "notifications"))}
}

// List returns the caller's notifications, newest first.
// GET /api/notifications?unread=true
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	ns, err := h.notes.List(r.Context(), actor.UserID, unread, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list notifications", err)
		return
	}
	out := make([]notify.Message, 0, len(ns))
	for _, n := range ns {
		out = append(out, notify.NewMessage(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// MarkRead flags one notification as read.
// POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.notes.MarkRead(r.Context(), actor.UserID, id); err != nil {
		writeServiceError(w, r, h.logger, "mark notification read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}
