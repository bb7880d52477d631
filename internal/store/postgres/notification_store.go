package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// NotificationStore implements domain.NotificationStore using PostgreSQL.
type NotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore creates a new NotificationStore backed by the given pool.
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// Insert appends a notification.
func (s *NotificationStore) Insert(ctx context.Context, n domain.Notification) error {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("postgres: marshal notification data: %w", err)
	}

	_, err = db(ctx, s.pool).Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, dataJSON, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert notification %s: %w", n.ID, err)
	}
	return nil
}

// ListByUser returns the user's notifications, newest first.
func (s *NotificationStore) ListByUser(ctx context.Context, userID string, unreadOnly bool, opts domain.ListOpts) ([]domain.Notification, error) {
	base := `SELECT id, user_id, type, title, message, data, read, created_at
	           FROM notifications WHERE user_id = $1`
	if unreadOnly {
		base += ` AND NOT read`
	}
	query, args := appendListOpts(base, []any{userID}, "created_at", opts)

	rows, err := db(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n        domain.Notification
			typ      string
			dataJSON []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &dataJSON, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan notification: %w", err)
		}
		n.Type = domain.NotificationType(typ)
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &n.Data); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal notification data: %w", err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list notifications rows: %w", err)
	}
	return out, nil
}

// MarkRead flags one of the user's notifications as read.
func (s *NotificationStore) MarkRead(ctx context.Context, userID, id string) error {
	tag, err := db(ctx, s.pool).Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: mark notification %s read: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
