package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MessageMeta — произвольные атрибуты сообщения (JSON).
type MessageMeta map[string]interface{}

// Value сериализует мету в JSON.
func (m MessageMeta) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan читает мету из БД.
func (m *MessageMeta) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("models: неподдерживаемый тип для MessageMeta: %T", src)
	}
}

// IsPrestartNote сообщает, помечено ли сообщение как заметка до старта.
func (m MessageMeta) IsPrestartNote() bool {
	if m == nil {
		return false
	}
	v, ok := m["is_prestart_note"].(bool)
	return ok && v
}

// Message — сообщение чата задачи.
type Message struct {
	ID         int64       `db:"id" json:"id"`
	TaskID     int64       `db:"task_id" json:"task_id"`
	SenderID   string      `db:"sender_id" json:"sender_id"`
	ReceiverID string      `db:"receiver_id" json:"receiver_id"`
	Content    string      `db:"content" json:"content"`
	ImageID    *string     `db:"image_id" json:"image_id,omitempty"`
	Meta       MessageMeta `db:"meta" json:"meta,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// MessageRead — квитанция о прочтении конкретного сообщения.
type MessageRead struct {
	MessageID int64     `db:"message_id" json:"message_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// MessageReadCursor — верхняя граница прочитанного на пару (задача,
// пользователь). Двигается только вперёд.
type MessageReadCursor struct {
	TaskID            int64     `db:"task_id" json:"task_id"`
	UserID            string    `db:"user_id" json:"user_id"`
	LastReadMessageID int64     `db:"last_read_message_id" json:"last_read_message_id"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}
