package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentTransfer — запись об исходящем переводе исполнителю.
// На задачу допускается не более одного succeeded перевода на полную
// сумму эскроу.
type PaymentTransfer struct {
	ID            int64           `db:"id" json:"id"`
	TaskID        int64           `db:"task_id" json:"task_id"`
	TakerID       string          `db:"taker_id" json:"taker_id"`
	PosterID      string          `db:"poster_id" json:"poster_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Currency      string          `db:"currency" json:"currency"`
	Status        string          `db:"status" json:"status"`
	TransferID    *string         `db:"transfer_id" json:"transfer_id,omitempty"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	NextRetryAt   *time.Time      `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty"`
	ExtraMetadata *string         `db:"extra_metadata" json:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	SucceededAt   *time.Time      `db:"succeeded_at" json:"succeeded_at,omitempty"`
}

// RefundRequest — заявка на возврат средств автору задачи.
type RefundRequest struct {
	ID               int64           `db:"id" json:"id"`
	TaskID           int64           `db:"task_id" json:"task_id"`
	PosterID         string          `db:"poster_id" json:"poster_id"`
	RefundAmount     decimal.Decimal `db:"refund_amount" json:"refund_amount"`
	Reason           string          `db:"reason" json:"reason"`
	Status           string          `db:"status" json:"status"`
	ReviewedBy       *string         `db:"reviewed_by" json:"reviewed_by,omitempty"`
	AdminComment     *string         `db:"admin_comment" json:"admin_comment,omitempty"`
	RefundIntentID   *string         `db:"refund_intent_id" json:"-"`
	RefundTransferID *string         `db:"refund_transfer_id" json:"-"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}
