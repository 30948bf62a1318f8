package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/models"
)

// MessageRepository отвечает за чат задач: сообщения, квитанции и курсоры.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository создаёт новый экземпляр.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// DB возвращает пул для доменных транзакций.
func (r *MessageRepository) DB() *sqlx.DB {
	return r.db
}

// Create сохраняет сообщение.
func (r *MessageRepository) Create(ctx context.Context, q Queryer, m *models.Message) error {
	query := `
		INSERT INTO messages (task_id, sender_id, receiver_id, content, image_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	row := q.QueryRowxContext(ctx, query, m.TaskID, m.SenderID, m.ReceiverID, m.Content, m.ImageID, m.Meta)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("message repository: insert: %w", err)
	}
	return nil
}

// ListByTask возвращает сообщения задачи в хронологическом порядке.
func (r *MessageRepository) ListByTask(ctx context.Context, taskID int64, limit, offset int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var msgs []models.Message
	query := `
		SELECT id, task_id, sender_id, receiver_id, content, image_id, meta, created_at
		FROM messages
		WHERE task_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`
	if err := r.db.SelectContext(ctx, &msgs, query, taskID, limit, offset); err != nil {
		return nil, fmt.Errorf("message repository: list by task: %w", err)
	}
	return msgs, nil
}

// CountPrestartNotes считает заметки автора до старта с момента since
// (rate limit: 1/мин и 20/день).
func (r *MessageRepository) CountPrestartNotes(ctx context.Context, taskID int64, senderID string, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM messages
		WHERE task_id = $1 AND sender_id = $2
		  AND meta ->> 'is_prestart_note' = 'true'
		  AND created_at >= $3
	`
	if err := r.db.GetContext(ctx, &count, query, taskID, senderID, since); err != nil {
		return 0, fmt.Errorf("message repository: count prestart notes: %w", err)
	}
	return count, nil
}

// InsertReads вставляет недостающие квитанции о прочтении.
func (r *MessageRepository) InsertReads(ctx context.Context, q Queryer, userID string, messageIDs []int64, at time.Time) error {
	for _, id := range messageIDs {
		query := `
			INSERT INTO message_reads (message_id, user_id, read_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id) DO NOTHING
		`
		if _, err := q.ExecContext(ctx, query, id, userID, at); err != nil {
			return fmt.Errorf("message repository: insert read: %w", err)
		}
	}
	return nil
}

// ListUnreadIDs возвращает id чужих сообщений задачи до upto включительно,
// на которые у читателя ещё нет квитанции.
func (r *MessageRepository) ListUnreadIDs(ctx context.Context, q Queryer, taskID int64, userID string, upto int64) ([]int64, error) {
	var ids []int64
	query := `
		SELECT m.id FROM messages m
		LEFT JOIN message_reads mr ON mr.message_id = m.id AND mr.user_id = $1
		WHERE m.task_id = $2 AND m.id <= $3 AND m.sender_id <> $1 AND mr.message_id IS NULL
		ORDER BY m.id
	`
	if err := sqlx.SelectContext(ctx, q, &ids, query, userID, taskID, upto); err != nil {
		return nil, fmt.Errorf("message repository: list unread ids: %w", err)
	}
	return ids, nil
}

// GetCursor возвращает курсор прочитанного или nil.
func (r *MessageRepository) GetCursor(ctx context.Context, q Queryer, taskID int64, userID string) (*models.MessageReadCursor, error) {
	var c models.MessageReadCursor
	query := `
		SELECT task_id, user_id, last_read_message_id, updated_at
		FROM message_read_cursors
		WHERE task_id = $1 AND user_id = $2
	`
	if err := sqlx.GetContext(ctx, q, &c, query, taskID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("message repository: get cursor: %w", err)
	}
	return &c, nil
}

// BumpCursor монотонно продвигает курсор: GREATEST отбрасывает попытки
// сдвинуть его назад при гонке конкурентных mark_read.
func (r *MessageRepository) BumpCursor(ctx context.Context, q Queryer, taskID int64, userID string, messageID int64, at time.Time) error {
	query := `
		INSERT INTO message_read_cursors (task_id, user_id, last_read_message_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, user_id) DO UPDATE
		SET last_read_message_id = GREATEST(message_read_cursors.last_read_message_id, EXCLUDED.last_read_message_id),
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := q.ExecContext(ctx, query, taskID, userID, messageID, at); err != nil {
		return fmt.Errorf("message repository: bump cursor: %w", err)
	}
	return nil
}

// UnreadCountByCursor считает непрочитанное по курсору за O(1) от числа
// новых сообщений. Свои сообщения всегда исключены.
func (r *MessageRepository) UnreadCountByCursor(ctx context.Context, taskID int64, userID string, cursor int64) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM messages
		WHERE task_id = $1 AND id > $2 AND sender_id <> $3
	`
	if err := r.db.GetContext(ctx, &count, query, taskID, cursor, userID); err != nil {
		return 0, fmt.Errorf("message repository: unread by cursor: %w", err)
	}
	return count, nil
}

// UnreadCountByReads — запасной путь без курсора: LEFT JOIN по квитанциям.
func (r *MessageRepository) UnreadCountByReads(ctx context.Context, taskID int64, userID string) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM messages m
		LEFT JOIN message_reads mr ON mr.message_id = m.id AND mr.user_id = $1
		WHERE m.task_id = $2 AND m.sender_id <> $1 AND mr.message_id IS NULL
	`
	if err := r.db.GetContext(ctx, &count, query, userID, taskID); err != nil {
		return 0, fmt.Errorf("message repository: unread by reads: %w", err)
	}
	return count, nil
}

// DeleteOlderThan удаляет сообщения старше retention-политики.
func (r *MessageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		DELETE FROM messages
		WHERE id IN (SELECT id FROM messages WHERE created_at < $1 ORDER BY id LIMIT $2)
	`
	res, err := r.db.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("message repository: delete older than: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
