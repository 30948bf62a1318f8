package models

import (
	"time"
)

// CustomerServiceChat — диалог пользователя со службой поддержки.
type CustomerServiceChat struct {
	ID            int64      `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	ServiceID     string     `db:"service_id" json:"service_id"`
	IsEnded       bool       `db:"is_ended" json:"is_ended"`
	TotalMessages int        `db:"total_messages" json:"total_messages"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	AssignedAt    time.Time  `db:"assigned_at" json:"assigned_at"`
	EndedAt       *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	EndedReason   *string    `db:"ended_reason" json:"ended_reason,omitempty"`
	WarnedAt      *time.Time `db:"warned_at" json:"-"`
	UserRating    *int       `db:"user_rating" json:"user_rating,omitempty"`
	UserComment   *string    `db:"user_comment" json:"user_comment,omitempty"`
}

// CustomerServiceMessage — сообщение в чате поддержки; в отличие от чата
// задач имеет статус доставки.
type CustomerServiceMessage struct {
	ID        int64     `db:"id" json:"id"`
	ChatID    int64     `db:"chat_id" json:"chat_id"`
	SenderID  string    `db:"sender_id" json:"sender_id"`
	IsService bool      `db:"is_service" json:"is_service"`
	Content   string    `db:"content" json:"content"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CustomerServiceQueue — очередь пользователей, ожидающих оператора.
type CustomerServiceQueue struct {
	ID                int64      `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	Status            string     `db:"status" json:"status"`
	QueuedAt          time.Time  `db:"queued_at" json:"queued_at"`
	AssignedServiceID *string    `db:"assigned_service_id" json:"assigned_service_id,omitempty"`
	AssignedAt        *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
}
