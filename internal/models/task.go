package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StringList хранится в БД как JSON-массив строк.
type StringList []string

// Value сериализует список в JSON.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan читает JSON-массив из БД.
func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("models: неподдерживаемый тип для StringList: %T", src)
	}
}

// Task описывает задачу на площадке.
type Task struct {
	ID                  int64            `db:"id" json:"id"`
	PosterID            string           `db:"poster_id" json:"poster_id"`
	TakerID             *string          `db:"taker_id" json:"taker_id,omitempty"`
	Title               string           `db:"title" json:"title"`
	Description         string           `db:"description" json:"description"`
	TaskType            string           `db:"task_type" json:"task_type"`
	Location            string           `db:"location" json:"location"`
	Latitude            *float64         `db:"latitude" json:"latitude,omitempty"`
	Longitude           *float64         `db:"longitude" json:"longitude,omitempty"`
	Reward              decimal.Decimal  `db:"reward" json:"reward"`
	BaseReward          *decimal.Decimal `db:"base_reward" json:"base_reward,omitempty"`
	AgreedReward        *decimal.Decimal `db:"agreed_reward" json:"agreed_reward,omitempty"`
	Currency            string           `db:"currency" json:"currency"`
	Deadline            *time.Time       `db:"deadline" json:"deadline,omitempty"`
	IsFlexible          bool             `db:"is_flexible" json:"is_flexible"`
	Images              StringList       `db:"images" json:"images"`
	Status              string           `db:"status" json:"status"`
	TaskLevel           string           `db:"task_level" json:"task_level"`
	IsPublic            bool             `db:"is_public" json:"is_public"`
	IsPaid              bool             `db:"is_paid" json:"is_paid"`
	PaymentIntentID     *string          `db:"payment_intent_id" json:"-"`
	EscrowAmount        decimal.Decimal  `db:"escrow_amount" json:"escrow_amount"`
	PaidToUserID        *string          `db:"paid_to_user_id" json:"paid_to_user_id,omitempty"`
	IsConfirmed         bool             `db:"is_confirmed" json:"is_confirmed"`
	AutoConfirmed       bool             `db:"auto_confirmed" json:"auto_confirmed"`
	SoldTaskID          *int64           `db:"sold_task_id" json:"sold_task_id,omitempty"`
	IsMultiParticipant  bool             `db:"is_multi_participant" json:"is_multi_participant"`
	MaxParticipants     int              `db:"max_participants" json:"max_participants"`
	MinParticipants     int              `db:"min_participants" json:"min_participants"`
	CurrentParticipants int              `db:"current_participants" json:"current_participants"`
	AcceptedAt          *time.Time       `db:"accepted_at" json:"accepted_at,omitempty"`
	ConfirmedAt         *time.Time       `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CompletedAt         *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// EffectiveReward возвращает сумму к оплате: agreed_reward, если
// договорились, иначе base_reward, иначе легаси-поле reward.
func (t *Task) EffectiveReward() decimal.Decimal {
	if t.AgreedReward != nil {
		return *t.AgreedReward
	}
	if t.BaseReward != nil {
		return *t.BaseReward
	}
	return t.Reward
}

// HasTaker сообщает, закреплён ли исполнитель.
func (t *Task) HasTaker() bool {
	return t.TakerID != nil && *t.TakerID != ""
}

// TaskApplication — отклик пользователя на задачу.
type TaskApplication struct {
	ID              int64            `db:"id" json:"id"`
	TaskID          int64            `db:"task_id" json:"task_id"`
	ApplicantID     string           `db:"applicant_id" json:"applicant_id"`
	Status          string           `db:"status" json:"status"`
	Message         string           `db:"message" json:"message"`
	NegotiatedPrice *decimal.Decimal `db:"negotiated_price" json:"negotiated_price,omitempty"`
	Currency        *string          `db:"currency" json:"currency,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// NegotiationResponseLog — append-only журнал ответов на торг.
type NegotiationResponseLog struct {
	ID              int64            `db:"id" json:"id"`
	TaskID          int64            `db:"task_id" json:"task_id"`
	ApplicationID   int64            `db:"application_id" json:"application_id"`
	UserID          string           `db:"user_id" json:"user_id"`
	Action          string           `db:"action" json:"action"`
	NegotiatedPrice *decimal.Decimal `db:"negotiated_price" json:"negotiated_price,omitempty"`
	RespondedAt     time.Time        `db:"responded_at" json:"responded_at"`
}

// TaskHistory — append-only аудит переходов состояний задачи.
// UserID равен nil для системных действий (планировщик).
type TaskHistory struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    int64     `db:"task_id" json:"task_id"`
	UserID    *string   `db:"user_id" json:"user_id,omitempty"`
	Action    string    `db:"action" json:"action"`
	Remark    string    `db:"remark" json:"remark"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
