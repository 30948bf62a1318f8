package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User описывает пользователя платформы.
type User struct {
	ID                string          `db:"id" json:"id"`
	Name              string          `db:"name" json:"name"`
	Email             *string         `db:"email" json:"email,omitempty"`
	Phone             *string         `db:"phone" json:"phone,omitempty"`
	PasswordHash      string          `db:"password_hash" json:"-"`
	Level             string          `db:"level" json:"level"`
	Timezone          string          `db:"timezone" json:"timezone"`
	IsVerified        bool            `db:"is_verified" json:"is_verified"`
	IsActive          bool            `db:"is_active" json:"is_active"`
	IsBanned          bool            `db:"is_banned" json:"-"`
	IsSuspended       bool            `db:"is_suspended" json:"-"`
	SuspendUntil      *time.Time      `db:"suspend_until" json:"-"`
	IsCustomerService bool            `db:"is_customer_service" json:"-"`
	AvgRating         decimal.Decimal `db:"avg_rating" json:"avg_rating"`
	RatingCount       int             `db:"rating_count" json:"rating_count"`
	ConnectAccountID  *string         `db:"connect_account_id" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Suspended сообщает, приостановлен ли пользователь на момент now.
func (u *User) Suspended(now time.Time) bool {
	if !u.IsSuspended {
		return false
	}
	if u.SuspendUntil == nil {
		return true
	}
	return u.SuspendUntil.After(now)
}

// CustomerService — сотрудник поддержки. Отдельная таблица и отдельный
// realm аутентификации; сессии не пересекаются с пользовательскими.
type CustomerService struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsOnline     bool      `db:"is_online" json:"is_online"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// AdminUser — администратор. Третий realm.
type AdminUser struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsSuper      bool      `db:"is_super" json:"is_super"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	TOTPSecret   *string   `db:"totp_secret" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
