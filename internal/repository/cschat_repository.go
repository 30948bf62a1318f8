package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/models"
)

const csChatColumns = `
	id, user_id, service_id, is_ended, total_messages, last_message_at,
	assigned_at, ended_at, ended_reason, warned_at, user_rating, user_comment
`

// CSChatRepository отвечает за чаты поддержки, их сообщения и очередь.
type CSChatRepository struct {
	db *sqlx.DB
}

// NewCSChatRepository создаёт новый экземпляр.
func NewCSChatRepository(db *sqlx.DB) *CSChatRepository {
	return &CSChatRepository{db: db}
}

// DB возвращает пул для доменных транзакций.
func (r *CSChatRepository) DB() *sqlx.DB {
	return r.db
}

// GetChat возвращает чат поддержки.
func (r *CSChatRepository) GetChat(ctx context.Context, q Queryer, chatID int64) (*models.CustomerServiceChat, error) {
	var chat models.CustomerServiceChat
	query := `SELECT ` + csChatColumns + ` FROM customer_service_chats WHERE id = $1`
	if err := sqlx.GetContext(ctx, q, &chat, query, chatID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("cs chat repository: get chat: %w", err)
	}
	return &chat, nil
}

// GetActiveChatByUser возвращает незавершённый чат пользователя.
func (r *CSChatRepository) GetActiveChatByUser(ctx context.Context, userID string) (*models.CustomerServiceChat, error) {
	var chat models.CustomerServiceChat
	query := `SELECT ` + csChatColumns + ` FROM customer_service_chats WHERE user_id = $1 AND is_ended = FALSE LIMIT 1`
	if err := r.db.GetContext(ctx, &chat, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("cs chat repository: get active chat: %w", err)
	}
	return &chat, nil
}

// CreateChat создаёт чат при назначении оператора.
func (r *CSChatRepository) CreateChat(ctx context.Context, q Queryer, chat *models.CustomerServiceChat) error {
	query := `
		INSERT INTO customer_service_chats (user_id, service_id, assigned_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	row := q.QueryRowxContext(ctx, query, chat.UserID, chat.ServiceID, chat.AssignedAt)
	if err := row.Scan(&chat.ID); err != nil {
		return fmt.Errorf("cs chat repository: insert chat: %w", err)
	}
	return nil
}

// EndChat завершает чат.
func (r *CSChatRepository) EndChat(ctx context.Context, q Queryer, chatID int64, reason string, at time.Time) error {
	query := `
		UPDATE customer_service_chats
		SET is_ended = TRUE, ended_at = $1, ended_reason = $2
		WHERE id = $3 AND is_ended = FALSE
	`
	res, err := q.ExecContext(ctx, query, at, reason, chatID)
	if err != nil {
		return fmt.Errorf("cs chat repository: end chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// ListChatsByService возвращает чаты оператора.
func (r *CSChatRepository) ListChatsByService(ctx context.Context, serviceID string, ended bool, limit int) ([]models.CustomerServiceChat, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var chats []models.CustomerServiceChat
	query := `SELECT ` + csChatColumns + ` FROM customer_service_chats WHERE service_id = $1 AND is_ended = $2 ORDER BY assigned_at DESC LIMIT $3`
	if err := r.db.SelectContext(ctx, &chats, query, serviceID, ended, limit); err != nil {
		return nil, fmt.Errorf("cs chat repository: list chats: %w", err)
	}
	return chats, nil
}

// TrimEndedChats удаляет завершённые чаты оператора сверх лимита cap.
func (r *CSChatRepository) TrimEndedChats(ctx context.Context, serviceID string, cap int) (int64, error) {
	query := `
		DELETE FROM customer_service_chats
		WHERE id IN (
			SELECT id FROM customer_service_chats
			WHERE service_id = $1 AND is_ended = TRUE
			ORDER BY ended_at DESC
			OFFSET $2
		)
	`
	res, err := r.db.ExecContext(ctx, query, serviceID, cap)
	if err != nil {
		return 0, fmt.Errorf("cs chat repository: trim ended: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateMessage сохраняет сообщение чата поддержки.
func (r *CSChatRepository) CreateMessage(ctx context.Context, q Queryer, m *models.CustomerServiceMessage) error {
	query := `
		INSERT INTO customer_service_messages (chat_id, sender_id, is_service, content, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	row := q.QueryRowxContext(ctx, query, m.ChatID, m.SenderID, m.IsService, m.Content, m.Status)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("cs chat repository: insert message: %w", err)
	}

	// Новое сообщение снимает предупреждение о таймауте.
	bump := `
		UPDATE customer_service_chats
		SET total_messages = total_messages + 1, last_message_at = $1, warned_at = NULL
		WHERE id = $2
	`
	if _, err := q.ExecContext(ctx, bump, m.CreatedAt, m.ChatID); err != nil {
		return fmt.Errorf("cs chat repository: bump counters: %w", err)
	}
	return nil
}

// UpdateMessageStatus двигает статус доставки сообщения.
func (r *CSChatRepository) UpdateMessageStatus(ctx context.Context, q Queryer, messageID int64, status string) error {
	if _, err := q.ExecContext(ctx, `UPDATE customer_service_messages SET status = $1 WHERE id = $2`, status, messageID); err != nil {
		return fmt.Errorf("cs chat repository: update message status: %w", err)
	}
	return nil
}

// ListMessages возвращает сообщения чата.
func (r *CSChatRepository) ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]models.CustomerServiceMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var msgs []models.CustomerServiceMessage
	query := `
		SELECT id, chat_id, sender_id, is_service, content, status, created_at
		FROM customer_service_messages
		WHERE chat_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`
	if err := r.db.SelectContext(ctx, &msgs, query, chatID, limit, offset); err != nil {
		return nil, fmt.Errorf("cs chat repository: list messages: %w", err)
	}
	return msgs, nil
}

// --- Очередь поддержки ---

// Enqueue ставит пользователя в очередь, если он ещё не ждёт.
func (r *CSChatRepository) Enqueue(ctx context.Context, userID string, at time.Time) (*models.CustomerServiceQueue, error) {
	var entry models.CustomerServiceQueue
	query := `
		INSERT INTO customer_service_queue (user_id, status, queued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) WHERE status = 'waiting' DO NOTHING
		RETURNING id, user_id, status, queued_at, assigned_service_id, assigned_at
	`
	err := r.db.GetContext(ctx, &entry, query, userID, models.QueueStatusWaiting, at)
	if err == sql.ErrNoRows {
		// Уже в очереди — возвращаем существующую запись.
		existing := `
			SELECT id, user_id, status, queued_at, assigned_service_id, assigned_at
			FROM customer_service_queue
			WHERE user_id = $1 AND status = $2
		`
		if err := r.db.GetContext(ctx, &entry, existing, userID, models.QueueStatusWaiting); err != nil {
			return nil, fmt.Errorf("cs chat repository: get queue entry: %w", err)
		}
		return &entry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cs chat repository: enqueue: %w", err)
	}
	return &entry, nil
}

// OldestWaiting блокирует самую старую ожидающую запись очереди.
// SKIP LOCKED позволяет репликам диспетчеризовать очередь параллельно.
func (r *CSChatRepository) OldestWaiting(ctx context.Context, tx *sqlx.Tx) (*models.CustomerServiceQueue, error) {
	var entry models.CustomerServiceQueue
	query := `
		SELECT id, user_id, status, queued_at, assigned_service_id, assigned_at
		FROM customer_service_queue
		WHERE status = $1
		ORDER BY queued_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	if err := tx.GetContext(ctx, &entry, query, models.QueueStatusWaiting); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("cs chat repository: oldest waiting: %w", err)
	}
	return &entry, nil
}

// AssignQueueEntry закрепляет оператора за записью очереди.
func (r *CSChatRepository) AssignQueueEntry(ctx context.Context, q Queryer, entryID int64, serviceID string, at time.Time) error {
	query := `
		UPDATE customer_service_queue
		SET status = $1, assigned_service_id = $2, assigned_at = $3
		WHERE id = $4
	`
	if _, err := q.ExecContext(ctx, query, models.QueueStatusAssigned, serviceID, at, entryID); err != nil {
		return fmt.Errorf("cs chat repository: assign queue entry: %w", err)
	}
	return nil
}

// CountWaiting возвращает длину очереди.
func (r *CSChatRepository) CountWaiting(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM customer_service_queue WHERE status = $1`, models.QueueStatusWaiting); err != nil {
		return 0, fmt.Errorf("cs chat repository: count waiting: %w", err)
	}
	return count, nil
}

// FreeServices возвращает id операторов онлайн без активного чата.
func (r *CSChatRepository) FreeServices(ctx context.Context, q Queryer) ([]string, error) {
	var ids []string
	query := `
		SELECT cs.id FROM customer_services cs
		WHERE cs.is_online = TRUE AND cs.is_active = TRUE
		  AND NOT EXISTS (
			SELECT 1 FROM customer_service_chats c
			WHERE c.service_id = cs.id AND c.is_ended = FALSE
		  )
		ORDER BY cs.id
	`
	if err := sqlx.SelectContext(ctx, q, &ids, query); err != nil {
		return nil, fmt.Errorf("cs chat repository: free services: %w", err)
	}
	return ids, nil
}

// CountOnlineServices возвращает число операторов онлайн.
func (r *CSChatRepository) CountOnlineServices(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM customer_services WHERE is_online = TRUE AND is_active = TRUE`); err != nil {
		return 0, fmt.Errorf("cs chat repository: count online: %w", err)
	}
	return count, nil
}

// AvgChatDurationSeconds — скользящее среднее длительности последних n
// завершённых чатов (для оценки времени ожидания).
func (r *CSChatRepository) AvgChatDurationSeconds(ctx context.Context, n int) (float64, error) {
	if n <= 0 {
		n = 100
	}
	var avg sql.NullFloat64
	query := `
		SELECT AVG(EXTRACT(EPOCH FROM (ended_at - assigned_at)))
		FROM (
			SELECT assigned_at, ended_at FROM customer_service_chats
			WHERE is_ended = TRUE AND ended_at IS NOT NULL
			ORDER BY ended_at DESC
			LIMIT $1
		) recent
	`
	if err := r.db.GetContext(ctx, &avg, query, n); err != nil {
		return 0, fmt.Errorf("cs chat repository: avg duration: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// ListTimedOutChats возвращает незавершённые чаты без сообщений дольше
// cutoff (для авто-завершения).
func (r *CSChatRepository) ListTimedOutChats(ctx context.Context, cutoff time.Time) ([]models.CustomerServiceChat, error) {
	var chats []models.CustomerServiceChat
	query := `
		SELECT ` + csChatColumns + `
		FROM customer_service_chats
		WHERE is_ended = FALSE AND COALESCE(last_message_at, assigned_at) <= $1
	`
	if err := r.db.SelectContext(ctx, &chats, query, cutoff); err != nil {
		return nil, fmt.Errorf("cs chat repository: list timed out: %w", err)
	}
	return chats, nil
}

// ListIdleUnwarned возвращает простаивающие чаты, стороны которых ещё
// не предупреждались о скором авто-завершении.
func (r *CSChatRepository) ListIdleUnwarned(ctx context.Context, cutoff time.Time) ([]models.CustomerServiceChat, error) {
	var chats []models.CustomerServiceChat
	query := `
		SELECT ` + csChatColumns + `
		FROM customer_service_chats
		WHERE is_ended = FALSE AND warned_at IS NULL
		  AND COALESCE(last_message_at, assigned_at) <= $1
	`
	if err := r.db.SelectContext(ctx, &chats, query, cutoff); err != nil {
		return nil, fmt.Errorf("cs chat repository: list idle unwarned: %w", err)
	}
	return chats, nil
}

// MarkWarned фиксирует отправленное предупреждение о таймауте.
func (r *CSChatRepository) MarkWarned(ctx context.Context, q Queryer, chatID int64, at time.Time) error {
	if _, err := q.ExecContext(ctx, `UPDATE customer_service_chats SET warned_at = $1 WHERE id = $2`, at, chatID); err != nil {
		return fmt.Errorf("cs chat repository: mark warned: %w", err)
	}
	return nil
}
