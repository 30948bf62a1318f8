package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/unitask/unitask-backend/internal/models"
)

// Колонки задачи, общие для всех SELECT'ов.
const taskColumns = `
	id, poster_id, taker_id, title, description, task_type, location,
	latitude, longitude, reward, base_reward, agreed_reward, currency,
	deadline, is_flexible, images, status, task_level, is_public, is_paid,
	payment_intent_id, escrow_amount, paid_to_user_id, is_confirmed,
	auto_confirmed, sold_task_id, is_multi_participant, max_participants,
	min_participants, current_participants, accepted_at, confirmed_at,
	completed_at, created_at, updated_at
`

// TaskRepository отвечает за задачи, отклики, историю и журнал торга.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository создаёт новый экземпляр.
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// DB возвращает пул для доменных транзакций.
func (r *TaskRepository) DB() *sqlx.DB {
	return r.db
}

// GetByID возвращает задачу по идентификатору.
func (r *TaskRepository) GetByID(ctx context.Context, q Queryer, id int64) (*models.Task, error) {
	var task models.Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if err := sqlx.GetContext(ctx, q, &task, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("task repository: get by id: %w", err)
	}
	return &task, nil
}

// GetByIDForUpdate берёт пессимистическую блокировку строки задачи.
// Краеугольный инвариант: у задачи никогда нет двух акторов,
// одновременно меняющих состояние.
func (r *TaskRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Task, error) {
	var task models.Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &task, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("task repository: get for update: %w", err)
	}
	return &task, nil
}

// Create сохраняет новую задачу.
func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (poster_id, title, description, task_type, location,
			latitude, longitude, reward, base_reward, currency, deadline,
			is_flexible, images, status, task_level, is_public,
			is_multi_participant, max_participants, min_participants, sold_task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		task.PosterID, task.Title, task.Description, task.TaskType, task.Location,
		task.Latitude, task.Longitude, task.Reward, task.BaseReward, task.Currency,
		task.Deadline, task.IsFlexible, task.Images, task.Status, task.TaskLevel,
		task.IsPublic, task.IsMultiParticipant, task.MaxParticipants,
		task.MinParticipants, task.SoldTaskID,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("task repository: insert: %w", err)
	}
	return nil
}

// UpdateStatus меняет статус задачи.
func (r *TaskRepository) UpdateStatus(ctx context.Context, q Queryer, id int64, status string) error {
	res, err := q.ExecContext(ctx, `UPDATE tasks SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("task repository: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// AssignTaker закрепляет исполнителя и договорную цену в одном UPDATE.
// base_reward не трогаем: agreed_reward перекрывает его только на чтении.
func (r *TaskRepository) AssignTaker(ctx context.Context, q Queryer, id int64, takerID, status string, agreedReward *decimal.Decimal, acceptedAt time.Time) error {
	query := `
		UPDATE tasks
		SET taker_id = $1,
		    status = $2,
		    agreed_reward = COALESCE($3, agreed_reward),
		    accepted_at = $4,
		    updated_at = NOW()
		WHERE id = $5
	`
	if _, err := q.ExecContext(ctx, query, takerID, status, agreedReward, acceptedAt, id); err != nil {
		return fmt.Errorf("task repository: assign taker: %w", err)
	}
	return nil
}

// ClearTaker снимает исполнителя и платёжные метки (откат неоплаченного
// одобрения).
func (r *TaskRepository) ClearTaker(ctx context.Context, q Queryer, id int64) error {
	query := `
		UPDATE tasks
		SET taker_id = NULL,
		    payment_intent_id = NULL,
		    agreed_reward = NULL,
		    accepted_at = NULL,
		    status = $1,
		    updated_at = NOW()
		WHERE id = $2
	`
	if _, err := q.ExecContext(ctx, query, models.TaskStatusOpen, id); err != nil {
		return fmt.Errorf("task repository: clear taker: %w", err)
	}
	return nil
}

// SetPaymentIntent записывает идентификатор платёжного намерения.
func (r *TaskRepository) SetPaymentIntent(ctx context.Context, q Queryer, id int64, intentID string) error {
	if _, err := q.ExecContext(ctx, `UPDATE tasks SET payment_intent_id = $1, updated_at = NOW() WHERE id = $2`, intentID, id); err != nil {
		return fmt.Errorf("task repository: set payment intent: %w", err)
	}
	return nil
}

// MarkPaid отмечает поступление средств в эскроу. Идемпотентно по
// payment_intent_id: повторная доставка вебхука не меняет строку.
func (r *TaskRepository) MarkPaid(ctx context.Context, q Queryer, id int64, intentID string, amount decimal.Decimal, newStatus string) (bool, error) {
	query := `
		UPDATE tasks
		SET is_paid = TRUE,
		    escrow_amount = $1,
		    status = $2,
		    updated_at = NOW()
		WHERE id = $3 AND payment_intent_id = $4 AND is_paid = FALSE
	`
	res, err := q.ExecContext(ctx, query, amount, newStatus, id, intentID)
	if err != nil {
		return false, fmt.Errorf("task repository: mark paid: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkConfirmed фиксирует подтверждение и обнуляет эскроу после успешного
// перевода исполнителю.
func (r *TaskRepository) MarkConfirmed(ctx context.Context, q Queryer, id int64, paidToUserID string, auto bool, at time.Time) error {
	query := `
		UPDATE tasks
		SET is_confirmed = TRUE,
		    auto_confirmed = $1,
		    paid_to_user_id = $2,
		    escrow_amount = 0,
		    confirmed_at = $3,
		    updated_at = NOW()
		WHERE id = $4
	`
	if _, err := q.ExecContext(ctx, query, auto, paidToUserID, at, id); err != nil {
		return fmt.Errorf("task repository: mark confirmed: %w", err)
	}
	return nil
}

// SetCompleted переводит задачу в completed.
func (r *TaskRepository) SetCompleted(ctx context.Context, q Queryer, id int64, at time.Time) error {
	query := `UPDATE tasks SET status = $1, completed_at = $2, updated_at = NOW() WHERE id = $3`
	if _, err := q.ExecContext(ctx, query, models.TaskStatusCompleted, at, id); err != nil {
		return fmt.Errorf("task repository: set completed: %w", err)
	}
	return nil
}

// SetEscrowAmount пишет остаток эскроу.
func (r *TaskRepository) SetEscrowAmount(ctx context.Context, q Queryer, id int64, amount decimal.Decimal) error {
	if _, err := q.ExecContext(ctx, `UPDATE tasks SET escrow_amount = $1, updated_at = NOW() WHERE id = $2`, amount, id); err != nil {
		return fmt.Errorf("task repository: set escrow: %w", err)
	}
	return nil
}

// AdjustParticipants меняет счётчик занятых мест.
func (r *TaskRepository) AdjustParticipants(ctx context.Context, q Queryer, id int64, delta int) error {
	query := `
		UPDATE tasks
		SET current_participants = GREATEST(current_participants + $1, 0),
		    updated_at = NOW()
		WHERE id = $2
	`
	if _, err := q.ExecContext(ctx, query, delta, id); err != nil {
		return fmt.Errorf("task repository: adjust participants: %w", err)
	}
	return nil
}

// TaskFilter — параметры листинга.
type TaskFilter struct {
	TaskType string
	Status   string
	Keyword  string
	PosterID string
	Sort     string
	Limit    int
	Offset   int
}

// List возвращает задачи по фильтру с пагинацией.
func (r *TaskRepository) List(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	conds := []string{"is_public = TRUE"}
	args := []interface{}{}
	idx := 1

	if filter.TaskType != "" {
		conds = append(conds, fmt.Sprintf("task_type = $%d", idx))
		args = append(args, filter.TaskType)
		idx++
	}
	if filter.Status != "" {
		conds = append(conds, fmt.Sprintf("status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.PosterID != "" {
		conds = append(conds, fmt.Sprintf("poster_id = $%d", idx))
		args = append(args, filter.PosterID)
		idx++
	}
	if filter.Keyword != "" {
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", idx, idx))
		args = append(args, "%"+filter.Keyword+"%")
		idx++
	}

	order := "created_at DESC"
	switch filter.Sort {
	case "reward":
		order = "reward DESC"
	case "deadline":
		order = "deadline ASC NULLS LAST"
	}

	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}

	query := fmt.Sprintf(
		`SELECT %s FROM tasks WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		taskColumns, strings.Join(conds, " AND "), order, idx, idx+1,
	)
	args = append(args, filter.Limit, filter.Offset)

	var tasks []models.Task
	if err := r.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("task repository: list: %w", err)
	}
	return tasks, nil
}

// ListExpiredOpen возвращает id открытых задач с прошедшим дедлайном.
func (r *TaskRepository) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 200
	}
	var ids []int64
	query := `
		SELECT id FROM tasks
		WHERE status = $1 AND deadline IS NOT NULL AND deadline <= $2
		ORDER BY deadline
		LIMIT $3
	`
	if err := r.db.SelectContext(ctx, &ids, query, models.TaskStatusOpen, now, limit); err != nil {
		return nil, fmt.Errorf("task repository: list expired: %w", err)
	}
	return ids, nil
}

// ListStalePendingPayment возвращает id неоплаченных задач старше cutoff.
func (r *TaskRepository) ListStalePendingPayment(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 200
	}
	var ids []int64
	query := `
		SELECT id FROM tasks
		WHERE status = $1 AND is_paid = FALSE AND updated_at <= $2
		ORDER BY updated_at
		LIMIT $3
	`
	if err := r.db.SelectContext(ctx, &ids, query, models.TaskStatusPendingPayment, cutoff, limit); err != nil {
		return nil, fmt.Errorf("task repository: list stale pending payment: %w", err)
	}
	return ids, nil
}

// ListExpiredConfirmation возвращает id задач, ждущих подтверждения
// дольше cutoff (для авто-подтверждения).
func (r *TaskRepository) ListExpiredConfirmation(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 200
	}
	var ids []int64
	query := `
		SELECT id FROM tasks
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at
		LIMIT $3
	`
	if err := r.db.SelectContext(ctx, &ids, query, models.TaskStatusPendingConfirmation, cutoff, limit); err != nil {
		return nil, fmt.Errorf("task repository: list expired confirmation: %w", err)
	}
	return ids, nil
}

// RestoreListing возвращает связанный товар барахолки в продажу.
// Каноническое направление связи: задача хранит sold_task_id.
func (r *TaskRepository) RestoreListing(ctx context.Context, q Queryer, listingID int64) error {
	query := `UPDATE market_listings SET status = 'active', updated_at = NOW() WHERE id = $1`
	if _, err := q.ExecContext(ctx, query, listingID); err != nil {
		return fmt.Errorf("task repository: restore listing: %w", err)
	}
	return nil
}

// --- Отклики ---

const applicationColumns = `
	id, task_id, applicant_id, status, message, negotiated_price, currency,
	created_at, updated_at
`

// CreateApplication сохраняет отклик.
func (r *TaskRepository) CreateApplication(ctx context.Context, q Queryer, app *models.TaskApplication) error {
	query := `
		INSERT INTO task_applications (task_id, applicant_id, status, message, negotiated_price, currency)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	row := q.QueryRowxContext(ctx, query,
		app.TaskID, app.ApplicantID, app.Status, app.Message, app.NegotiatedPrice, app.Currency)
	if err := row.Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt); err != nil {
		return fmt.Errorf("task repository: insert application: %w", err)
	}
	return nil
}

// GetApplication возвращает отклик по id.
func (r *TaskRepository) GetApplication(ctx context.Context, q Queryer, id int64) (*models.TaskApplication, error) {
	var app models.TaskApplication
	query := `SELECT ` + applicationColumns + ` FROM task_applications WHERE id = $1`
	if err := sqlx.GetContext(ctx, q, &app, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, fmt.Errorf("task repository: get application: %w", err)
	}
	return &app, nil
}

// GetActiveApplication возвращает последний нетерминальный отклик пары
// (task, applicant); повторные отклики трактуются идемпотентно.
func (r *TaskRepository) GetActiveApplication(ctx context.Context, q Queryer, taskID int64, applicantID string) (*models.TaskApplication, error) {
	var app models.TaskApplication
	query := `
		SELECT ` + applicationColumns + `
		FROM task_applications
		WHERE task_id = $1 AND applicant_id = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := sqlx.GetContext(ctx, q, &app, query, taskID, applicantID,
		models.ApplicationStatusPending, models.ApplicationStatusApproved)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, fmt.Errorf("task repository: get active application: %w", err)
	}
	return &app, nil
}

// ListApplications возвращает отклики задачи.
func (r *TaskRepository) ListApplications(ctx context.Context, taskID int64) ([]models.TaskApplication, error) {
	var apps []models.TaskApplication
	query := `SELECT ` + applicationColumns + ` FROM task_applications WHERE task_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &apps, query, taskID); err != nil {
		return nil, fmt.Errorf("task repository: list applications: %w", err)
	}
	return apps, nil
}

// UpdateApplicationStatus меняет статус отклика.
func (r *TaskRepository) UpdateApplicationStatus(ctx context.Context, q Queryer, id int64, status string) error {
	res, err := q.ExecContext(ctx, `UPDATE task_applications SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("task repository: update application status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrApplicationNotFound
	}
	return nil
}

// RejectPendingApplications отклоняет все pending-отклики задачи, кроме
// указанного; возвращает id отклонённых заявителей для уведомлений.
func (r *TaskRepository) RejectPendingApplications(ctx context.Context, q Queryer, taskID, exceptID int64) ([]models.TaskApplication, error) {
	query := `
		UPDATE task_applications
		SET status = $1, updated_at = NOW()
		WHERE task_id = $2 AND status = $3 AND id <> $4
		RETURNING ` + applicationColumns
	rows, err := q.QueryxContext(ctx, query, models.ApplicationStatusRejected, taskID, models.ApplicationStatusPending, exceptID)
	if err != nil {
		return nil, fmt.Errorf("task repository: reject pending: %w", err)
	}
	defer rows.Close()

	var rejected []models.TaskApplication
	for rows.Next() {
		var app models.TaskApplication
		if err := rows.StructScan(&app); err != nil {
			return nil, fmt.Errorf("task repository: scan rejected: %w", err)
		}
		rejected = append(rejected, app)
	}
	return rejected, nil
}

// --- История и журнал торга ---

// AppendHistory пишет запись аудита перехода состояния.
func (r *TaskRepository) AppendHistory(ctx context.Context, q Queryer, h *models.TaskHistory) error {
	query := `
		INSERT INTO task_history (task_id, user_id, action, remark)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	row := q.QueryRowxContext(ctx, query, h.TaskID, h.UserID, h.Action, h.Remark)
	if err := row.Scan(&h.ID, &h.CreatedAt); err != nil {
		return fmt.Errorf("task repository: append history: %w", err)
	}
	return nil
}

// AppendNegotiationLog пишет запись append-only журнала торга.
func (r *TaskRepository) AppendNegotiationLog(ctx context.Context, q Queryer, l *models.NegotiationResponseLog) error {
	query := `
		INSERT INTO negotiation_response_log (task_id, application_id, user_id, action, negotiated_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, responded_at
	`
	row := q.QueryRowxContext(ctx, query, l.TaskID, l.ApplicationID, l.UserID, l.Action, l.NegotiatedPrice)
	if err := row.Scan(&l.ID, &l.RespondedAt); err != nil {
		return fmt.Errorf("task repository: append negotiation log: %w", err)
	}
	return nil
}

// HasHistoryAction сообщает, есть ли уже запись аудита данного действия
// (идемпотентность вебхуков).
func (r *TaskRepository) HasHistoryAction(ctx context.Context, q Queryer, taskID int64, action string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM task_history WHERE task_id = $1 AND action = $2`
	if err := sqlx.GetContext(ctx, q, &count, query, taskID, action); err != nil {
		return false, fmt.Errorf("task repository: has history action: %w", err)
	}
	return count > 0, nil
}
