package models

import (
	"time"
)

// Notification — внутриплатформенное уведомление. Заголовок и текст
// хранятся на двух языках; английские варианты могут отсутствовать у
// легаси-строк.
type Notification struct {
	ID          int64     `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Type        string    `db:"type" json:"type"`
	Title       string    `db:"title" json:"title"`
	Content     string    `db:"content" json:"content"`
	TitleEn     *string   `db:"title_en" json:"title_en,omitempty"`
	ContentEn   *string   `db:"content_en" json:"content_en,omitempty"`
	RelatedID   *int64    `db:"related_id" json:"related_id,omitempty"`
	RelatedType *string   `db:"related_type" json:"related_type,omitempty"`
	IsRead      bool      `db:"is_read" json:"is_read"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// RelatedKind возвращает тип связанной сущности; легаси-строки без
// related_type трактуются как task_id (старый формат).
func (n *Notification) RelatedKind() string {
	if n.RelatedType != nil && *n.RelatedType != "" {
		return *n.RelatedType
	}
	return RelatedTypeTask
}
