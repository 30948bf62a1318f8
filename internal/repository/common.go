package repository

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Queryer объединяет *sqlx.DB и *sqlx.Tx: доменный слой явно передаёт
// хэндл транзакции, репозиторий не достаёт сессию из окружения.
type Queryer interface {
	sqlx.ExtContext
}

// Ошибки уровня репозитория.
var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrApplicationNotFound  = errors.New("application not found")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrRefundNotFound       = errors.New("refund request not found")
	ErrDisputeNotFound      = errors.New("dispute not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrChatNotFound         = errors.New("chat not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotificationNotFound = errors.New("notification not found")
)

var notFoundErrors = []error{
	ErrTaskNotFound,
	ErrApplicationNotFound,
	ErrTransferNotFound,
	ErrRefundNotFound,
	ErrDisputeNotFound,
	ErrUserNotFound,
	ErrChatNotFound,
	ErrMessageNotFound,
	ErrNotificationNotFound,
}

// IsNotFound сообщает, что ошибка — любой из sentinel'ов "не найдено".
func IsNotFound(err error) bool {
	for _, sentinel := range notFoundErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
