package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/models"
)

const transferColumns = `
	id, task_id, taker_id, poster_id, amount, currency, status, transfer_id,
	retry_count, max_retries, next_retry_at, last_error, extra_metadata,
	created_at, succeeded_at
`

// PaymentRepository отвечает за переводы и заявки на возврат.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository создаёт новый экземпляр.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// DB возвращает пул для доменных транзакций.
func (r *PaymentRepository) DB() *sqlx.DB {
	return r.db
}

// CreateTransfer пишет запись перевода внутри транзакции вызывающего.
func (r *PaymentRepository) CreateTransfer(ctx context.Context, q Queryer, t *models.PaymentTransfer) error {
	query := `
		INSERT INTO payment_transfers (task_id, taker_id, poster_id, amount, currency, status, max_retries, extra_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	row := q.QueryRowxContext(ctx, query,
		t.TaskID, t.TakerID, t.PosterID, t.Amount, t.Currency, t.Status, t.MaxRetries, t.ExtraMetadata)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return fmt.Errorf("payment repository: insert transfer: %w", err)
	}
	return nil
}

// GetTransferByID возвращает перевод.
func (r *PaymentRepository) GetTransferByID(ctx context.Context, q Queryer, id int64) (*models.PaymentTransfer, error) {
	var t models.PaymentTransfer
	query := `SELECT ` + transferColumns + ` FROM payment_transfers WHERE id = $1`
	if err := sqlx.GetContext(ctx, q, &t, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("payment repository: get transfer: %w", err)
	}
	return &t, nil
}

// GetTransferForUpdate блокирует строку перевода на время write-back'а.
func (r *PaymentRepository) GetTransferForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.PaymentTransfer, error) {
	var t models.PaymentTransfer
	query := `SELECT ` + transferColumns + ` FROM payment_transfers WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &t, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("payment repository: get transfer for update: %w", err)
	}
	return &t, nil
}

// GetTransferByExternalID находит перевод по внешнему идентификатору PSP.
func (r *PaymentRepository) GetTransferByExternalID(ctx context.Context, q Queryer, transferID string) (*models.PaymentTransfer, error) {
	var t models.PaymentTransfer
	query := `SELECT ` + transferColumns + ` FROM payment_transfers WHERE transfer_id = $1`
	if err := sqlx.GetContext(ctx, q, &t, query, transferID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("payment repository: get transfer by external id: %w", err)
	}
	return &t, nil
}

// GetSucceededTransferByTask возвращает успешный перевод задачи, если есть.
func (r *PaymentRepository) GetSucceededTransferByTask(ctx context.Context, q Queryer, taskID int64) (*models.PaymentTransfer, error) {
	var t models.PaymentTransfer
	query := `SELECT ` + transferColumns + ` FROM payment_transfers WHERE task_id = $1 AND status = $2 LIMIT 1`
	if err := sqlx.GetContext(ctx, q, &t, query, taskID, models.TransferStatusSucceeded); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("payment repository: get succeeded transfer: %w", err)
	}
	return &t, nil
}

// ListDue возвращает переводы к исполнению: pending либо retrying с
// подошедшим next_retry_at. Лимит ограничивает размер свипа.
func (r *PaymentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.PaymentTransfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var transfers []models.PaymentTransfer
	query := `
		SELECT ` + transferColumns + `
		FROM payment_transfers
		WHERE status = $1 OR (status = $2 AND next_retry_at <= $3)
		ORDER BY created_at
		LIMIT $4
	`
	err := r.db.SelectContext(ctx, &transfers, query,
		models.TransferStatusPending, models.TransferStatusRetrying, now, limit)
	if err != nil {
		return nil, fmt.Errorf("payment repository: list due: %w", err)
	}
	return transfers, nil
}

// ListStaleDispatched возвращает отправленные переводы (transfer_id
// установлен) старше cutoff, по которым вебхук так и не пришёл.
// Retrying-строки тоже попадают в выборку: иначе перевод, однажды
// помеченный сверкой, выпал бы из неё навсегда.
func (r *PaymentRepository) ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentTransfer, error) {
	if limit <= 0 {
		limit = 100
	}
	var transfers []models.PaymentTransfer
	query := `
		SELECT ` + transferColumns + `
		FROM payment_transfers
		WHERE status IN ($1, $2) AND transfer_id IS NOT NULL AND created_at <= $3
		ORDER BY created_at
		LIMIT $4
	`
	if err := r.db.SelectContext(ctx, &transfers, query,
		models.TransferStatusPending, models.TransferStatusRetrying, cutoff, limit); err != nil {
		return nil, fmt.Errorf("payment repository: list stale dispatched: %w", err)
	}
	return transfers, nil
}

// SetDispatched записывает внешний id после вызова PSP; статус остаётся
// pending до вебхука.
func (r *PaymentRepository) SetDispatched(ctx context.Context, q Queryer, id int64, transferID string) error {
	query := `
		UPDATE payment_transfers
		SET transfer_id = $1, status = $2, next_retry_at = NULL
		WHERE id = $3
	`
	if _, err := q.ExecContext(ctx, query, transferID, models.TransferStatusPending, id); err != nil {
		return fmt.Errorf("payment repository: set dispatched: %w", err)
	}
	return nil
}

// MarkRetrying увеличивает счётчик попыток и назначает следующую.
func (r *PaymentRepository) MarkRetrying(ctx context.Context, q Queryer, id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	query := `
		UPDATE payment_transfers
		SET status = $1, retry_count = $2, next_retry_at = $3, last_error = $4
		WHERE id = $5
	`
	if _, err := q.ExecContext(ctx, query, models.TransferStatusRetrying, retryCount, nextRetryAt, lastError, id); err != nil {
		return fmt.Errorf("payment repository: mark retrying: %w", err)
	}
	return nil
}

// MarkSucceeded финализирует перевод.
func (r *PaymentRepository) MarkSucceeded(ctx context.Context, q Queryer, id int64, at time.Time) error {
	query := `
		UPDATE payment_transfers
		SET status = $1, next_retry_at = NULL, last_error = NULL, succeeded_at = $2
		WHERE id = $3
	`
	if _, err := q.ExecContext(ctx, query, models.TransferStatusSucceeded, at, id); err != nil {
		return fmt.Errorf("payment repository: mark succeeded: %w", err)
	}
	return nil
}

// MarkFailed терминально завершает перевод.
func (r *PaymentRepository) MarkFailed(ctx context.Context, q Queryer, id int64, lastError string) error {
	query := `
		UPDATE payment_transfers
		SET status = $1, next_retry_at = NULL, last_error = $2
		WHERE id = $3
	`
	if _, err := q.ExecContext(ctx, query, models.TransferStatusFailed, lastError, id); err != nil {
		return fmt.Errorf("payment repository: mark failed: %w", err)
	}
	return nil
}

// --- Заявки на возврат ---

const refundColumns = `
	id, task_id, poster_id, refund_amount, reason, status, reviewed_by,
	admin_comment, refund_intent_id, refund_transfer_id, created_at, completed_at
`

// CreateRefundRequest пишет заявку на возврат в транзакции вызывающего.
func (r *PaymentRepository) CreateRefundRequest(ctx context.Context, q Queryer, rr *models.RefundRequest) error {
	query := `
		INSERT INTO refund_requests (task_id, poster_id, refund_amount, reason, status, reviewed_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	row := q.QueryRowxContext(ctx, query, rr.TaskID, rr.PosterID, rr.RefundAmount, rr.Reason, rr.Status, rr.ReviewedBy)
	if err := row.Scan(&rr.ID, &rr.CreatedAt); err != nil {
		return fmt.Errorf("payment repository: insert refund request: %w", err)
	}
	return nil
}

// CompleteRefundRequest отмечает возврат выполненным.
func (r *PaymentRepository) CompleteRefundRequest(ctx context.Context, q Queryer, id int64, refundID string, at time.Time) error {
	query := `
		UPDATE refund_requests
		SET status = $1, refund_transfer_id = $2, completed_at = $3
		WHERE id = $4
	`
	if _, err := q.ExecContext(ctx, query, models.RefundStatusCompleted, refundID, at, id); err != nil {
		return fmt.Errorf("payment repository: complete refund: %w", err)
	}
	return nil
}

// FailRefundRequest отмечает возврат неуспешным.
func (r *PaymentRepository) FailRefundRequest(ctx context.Context, q Queryer, id int64, comment string) error {
	query := `UPDATE refund_requests SET status = $1, admin_comment = $2 WHERE id = $3`
	if _, err := q.ExecContext(ctx, query, models.RefundStatusFailed, comment, id); err != nil {
		return fmt.Errorf("payment repository: fail refund: %w", err)
	}
	return nil
}

// GetRefundByTask возвращает последнюю заявку на возврат по задаче.
func (r *PaymentRepository) GetRefundByTask(ctx context.Context, q Queryer, taskID int64) (*models.RefundRequest, error) {
	var rr models.RefundRequest
	query := `SELECT ` + refundColumns + ` FROM refund_requests WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`
	if err := sqlx.GetContext(ctx, q, &rr, query, taskID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("payment repository: get refund by task: %w", err)
	}
	return &rr, nil
}
