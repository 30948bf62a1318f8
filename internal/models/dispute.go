package models

import (
	"time"
)

// TaskDispute — формальное возражение автора по итогу задачи.
// Пока спор pending, выплата исполнителю заблокирована.
type TaskDispute struct {
	ID             int64      `db:"id" json:"id"`
	TaskID         int64      `db:"task_id" json:"task_id"`
	PosterID       string     `db:"poster_id" json:"poster_id"`
	Reason         string     `db:"reason" json:"reason"`
	Status         string     `db:"status" json:"status"`
	ResolvedBy     *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote *string    `db:"resolution_note" json:"resolution_note,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}
