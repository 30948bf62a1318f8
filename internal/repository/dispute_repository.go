package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/models"
)

const disputeColumns = `
	id, task_id, poster_id, reason, status, resolved_by, resolution_note,
	created_at, resolved_at
`

// DisputeRepository отвечает за споры по задачам.
type DisputeRepository struct {
	db *sqlx.DB
}

// NewDisputeRepository создаёт новый экземпляр.
func NewDisputeRepository(db *sqlx.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

// Create сохраняет спор в транзакции вызывающего.
func (r *DisputeRepository) Create(ctx context.Context, q Queryer, d *models.TaskDispute) error {
	query := `
		INSERT INTO task_disputes (task_id, poster_id, reason, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	row := q.QueryRowxContext(ctx, query, d.TaskID, d.PosterID, d.Reason, d.Status)
	if err := row.Scan(&d.ID, &d.CreatedAt); err != nil {
		return fmt.Errorf("dispute repository: insert: %w", err)
	}
	return nil
}

// GetByID возвращает спор.
func (r *DisputeRepository) GetByID(ctx context.Context, q Queryer, id int64) (*models.TaskDispute, error) {
	var d models.TaskDispute
	query := `SELECT ` + disputeColumns + ` FROM task_disputes WHERE id = $1`
	if err := sqlx.GetContext(ctx, q, &d, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("dispute repository: get by id: %w", err)
	}
	return &d, nil
}

// GetByIDForUpdate блокирует строку спора на время резолюции.
func (r *DisputeRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*models.TaskDispute, error) {
	var d models.TaskDispute
	query := `SELECT ` + disputeColumns + ` FROM task_disputes WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &d, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("dispute repository: get for update: %w", err)
	}
	return &d, nil
}

// GetPendingByTask возвращает открытый спор по задаче, если есть.
func (r *DisputeRepository) GetPendingByTask(ctx context.Context, q Queryer, taskID int64) (*models.TaskDispute, error) {
	var d models.TaskDispute
	query := `SELECT ` + disputeColumns + ` FROM task_disputes WHERE task_id = $1 AND status = $2 LIMIT 1`
	if err := sqlx.GetContext(ctx, q, &d, query, taskID, models.DisputeStatusPending); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("dispute repository: get pending by task: %w", err)
	}
	return &d, nil
}

// Resolve записывает итог спора.
func (r *DisputeRepository) Resolve(ctx context.Context, q Queryer, id int64, status, resolvedBy, note string, at time.Time) error {
	query := `
		UPDATE task_disputes
		SET status = $1, resolved_by = $2, resolution_note = $3, resolved_at = $4
		WHERE id = $5
	`
	if _, err := q.ExecContext(ctx, query, status, resolvedBy, note, at, id); err != nil {
		return fmt.Errorf("dispute repository: resolve: %w", err)
	}
	return nil
}

// ListByStatus возвращает споры по статусу с пагинацией.
func (r *DisputeRepository) ListByStatus(ctx context.Context, status string, limit, offset int) ([]models.TaskDispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var disputes []models.TaskDispute
	query := `SELECT ` + disputeColumns + ` FROM task_disputes WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	if err := r.db.SelectContext(ctx, &disputes, query, status, limit, offset); err != nil {
		return nil, fmt.Errorf("dispute repository: list by status: %w", err)
	}
	return disputes, nil
}
