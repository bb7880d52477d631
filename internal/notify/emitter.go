package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// Message is the realtime payload published for a notification.
type Message struct {
	ID        string                  `json:"id"`
	UserID    string                  `json:"user_id"`
	Type      domain.NotificationType `json:"type"`
	Title     string                  `json:"title"`
	Message   string                  `json:"message"`
	Data      map[string]any          `json:"data,omitempty"`
	Read      bool                    `json:"read"`
	CreatedAt time.Time               `json:"created_at"`
}

// NewMessage converts a stored notification to its wire form.
func NewMessage(n domain.Notification) Message {
	return Message{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

// Emitter persists user notifications and publishes them on
// "notifications:<user_id>" for websocket delivery. It is best effort:
// failures are logged, never returned, so a notification can never undo the
// state change it reports.
type Emitter struct {
	store  domain.NotificationStore
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an Emitter. bus may be nil to skip realtime fan-out.
func NewEmitter(store domain.NotificationStore, bus domain.SignalBus, logger *slog.Logger) *Emitter {
	return &Emitter{
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "emitter")),
		now:    time.Now,
	}
}

// Emit stores n and publishes it.
func (e *Emitter) Emit(ctx context.Context, n domain.Notification) {
	if n.UserID == "" {
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now().UTC()
	}

	if err := e.store.Insert(ctx, n); err != nil {
		e.logger.WarnContext(ctx, "emitter: insert failed",
			slog.String("user_id", n.UserID),
			slog.String("type", string(n.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(NewMessage(n))
	if err != nil {
		e.logger.WarnContext(ctx, "emitter: marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelNotifyPrefix+n.UserID, payload); err != nil {
		e.logger.WarnContext(ctx, "emitter: publish failed",
			slog.String("user_id", n.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// List returns the user's notifications, newest first.
func (e *Emitter) List(ctx context.Context, userID string, unreadOnly bool, opts domain.ListOpts) ([]domain.Notification, error) {
	return e.store.ListByUser(ctx, userID, unreadOnly, opts)
}

// MarkRead flags one of the user's notifications as read.
func (e *Emitter) MarkRead(ctx context.Context, userID, id string) error {
	return e.store.MarkRead(ctx, userID, id)
}
