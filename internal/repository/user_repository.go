package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/models"
)

const userColumns = `
	id, name, email, phone, password_hash, level, timezone, is_verified,
	is_active, is_banned, is_suspended, suspend_until, is_customer_service,
	avg_rating, rating_count, connect_account_id, created_at, updated_at
`

// UserRepository отвечает за пользователей и два служебных realm'а.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository создаёт новый экземпляр.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID возвращает пользователя по короткому идентификатору.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get by id: %w", err)
	}
	return &user, nil
}

// GetByEmail возвращает пользователя по email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get by email: %w", err)
	}
	return &user, nil
}

// Create сохраняет нового пользователя.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, name, email, phone, password_hash, level, timezone)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		user.ID, user.Name, user.Email, user.Phone, user.PasswordHash, user.Level, user.Timezone,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("user repository: insert: %w", err)
	}
	return nil
}

// SetConnectAccount записывает ссылку на внешний payout-аккаунт.
func (r *UserRepository) SetConnectAccount(ctx context.Context, userID, accountID string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET connect_account_id = $1, updated_at = NOW() WHERE id = $2`, accountID, userID); err != nil {
		return fmt.Errorf("user repository: set connect account: %w", err)
	}
	return nil
}

// SoftDelete обнуляет PII, сохраняя строку для ссылочной целостности.
func (r *UserRepository) SoftDelete(ctx context.Context, userID string) error {
	query := `
		UPDATE users
		SET email = NULL, phone = NULL, name = 'deleted user',
		    password_hash = '', is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("user repository: soft delete: %w", err)
	}
	return nil
}

// UpdateRating пересчитывает агрегаты рейтинга.
func (r *UserRepository) UpdateRating(ctx context.Context, q Queryer, userID string, avg float64, count int) error {
	if _, err := q.ExecContext(ctx, `UPDATE users SET avg_rating = $1, rating_count = $2, updated_at = NOW() WHERE id = $3`, avg, count, userID); err != nil {
		return fmt.Errorf("user repository: update rating: %w", err)
	}
	return nil
}

// GetCustomerService возвращает сотрудника поддержки.
func (r *UserRepository) GetCustomerService(ctx context.Context, id string) (*models.CustomerService, error) {
	var cs models.CustomerService
	query := `SELECT id, name, email, password_hash, is_online, is_active, created_at FROM customer_services WHERE id = $1`
	if err := r.db.GetContext(ctx, &cs, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get customer service: %w", err)
	}
	return &cs, nil
}

// GetCustomerServiceByEmail возвращает сотрудника поддержки по email.
func (r *UserRepository) GetCustomerServiceByEmail(ctx context.Context, email string) (*models.CustomerService, error) {
	var cs models.CustomerService
	query := `SELECT id, name, email, password_hash, is_online, is_active, created_at FROM customer_services WHERE email = $1`
	if err := r.db.GetContext(ctx, &cs, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get customer service by email: %w", err)
	}
	return &cs, nil
}

// SetServiceOnline переключает онлайн-флаг оператора.
func (r *UserRepository) SetServiceOnline(ctx context.Context, serviceID string, online bool) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE customer_services SET is_online = $1 WHERE id = $2`, online, serviceID); err != nil {
		return fmt.Errorf("user repository: set service online: %w", err)
	}
	return nil
}

// GetAdmin возвращает администратора.
func (r *UserRepository) GetAdmin(ctx context.Context, id string) (*models.AdminUser, error) {
	var admin models.AdminUser
	query := `SELECT id, name, email, password_hash, is_super, is_active, totp_secret, created_at FROM admin_users WHERE id = $1`
	if err := r.db.GetContext(ctx, &admin, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get admin: %w", err)
	}
	return &admin, nil
}

// GetAdminByEmail возвращает администратора по email.
func (r *UserRepository) GetAdminByEmail(ctx context.Context, email string) (*models.AdminUser, error) {
	var admin models.AdminUser
	query := `SELECT id, name, email, password_hash, is_super, is_active, totp_secret, created_at FROM admin_users WHERE email = $1`
	if err := r.db.GetContext(ctx, &admin, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get admin by email: %w", err)
	}
	return &admin, nil
}

// ConsumeBackupCode гасит резервный 2FA-код; код одноразовый.
func (r *UserRepository) ConsumeBackupCode(ctx context.Context, adminID, codeHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM admin_backup_codes WHERE admin_id = $1 AND code_hash = $2`, adminID, codeHash)
	if err != nil {
		return false, fmt.Errorf("user repository: consume backup code: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchLastSeen фиксирует активность пользователя (для статистики).
func (r *UserRepository) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET updated_at = $1 WHERE id = $2`, at, userID); err != nil {
		return fmt.Errorf("user repository: touch last seen: %w", err)
	}
	return nil
}
