package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/models"
)

const notificationColumns = `
	id, user_id, type, title, title_en, content, content_en, related_id,
	related_type, is_read, created_at
`

// NotificationRepository отвечает за уведомления.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository создаёт новый экземпляр.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// DB возвращает пул для вызовов вне доменной транзакции.
func (r *NotificationRepository) DB() *sqlx.DB {
	return r.db
}

// Create пишет уведомление через переданный handle: внутри доменной
// транзакции уведомление коммитится атомарно с бизнес-изменением.
func (r *NotificationRepository) Create(ctx context.Context, q Queryer, n *models.Notification) error {
	query := `
		INSERT INTO notifications (user_id, type, title, title_en, content, content_en, related_id, related_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	row := q.QueryRowxContext(ctx, query,
		n.UserID, n.Type, n.Title, n.TitleEn, n.Content, n.ContentEn, n.RelatedID, n.RelatedType)
	if err := row.Scan(&n.ID, &n.CreatedAt); err != nil {
		return fmt.Errorf("notification repository: insert: %w", err)
	}
	return nil
}

// CreateBatch пишет пачку уведомлений одним проходом.
func (r *NotificationRepository) CreateBatch(ctx context.Context, q Queryer, ns []*models.Notification) error {
	for _, n := range ns {
		if err := r.Create(ctx, q, n); err != nil {
			return err
		}
	}
	return nil
}

// GetByID возвращает уведомление.
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*models.Notification, error) {
	var n models.Notification
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotificationNotFound
		}
		return nil, fmt.Errorf("notification repository: get by id: %w", err)
	}
	return &n, nil
}

// ListByUser возвращает уведомления пользователя, новые первыми.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, onlyUnread bool, limit, offset int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	if onlyUnread {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	var ns []models.Notification
	if err := r.db.SelectContext(ctx, &ns, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("notification repository: list by user: %w", err)
	}
	return ns, nil
}

// CountUnread считает непрочитанные уведомления.
func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`
	if err := r.db.GetContext(ctx, &count, query, userID); err != nil {
		return 0, fmt.Errorf("notification repository: count unread: %w", err)
	}
	return count, nil
}

// MarkRead отмечает уведомление прочитанным. Чужие id игнорируются.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID string, id int64) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, userID); err != nil {
		return fmt.Errorf("notification repository: mark read: %w", err)
	}
	return nil
}

// MarkAllRead отмечает все уведомления пользователя прочитанными.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND is_read = FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("notification repository: mark all read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteReadOlderThan удаляет прочитанные уведомления старше cutoff.
func (r *NotificationRepository) DeleteReadOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		DELETE FROM notifications
		WHERE id IN (
			SELECT id FROM notifications
			WHERE is_read = TRUE AND created_at < $1
			ORDER BY id LIMIT $2
		)
	`
	res, err := r.db.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("notification repository: delete read older than: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
