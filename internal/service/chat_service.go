package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/db"
	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/repository"
)

const (
	prestartPerMinute = 1
	prestartPerDay    = 20
)

// MessageStore — порт хранилища чата задач.
type MessageStore interface {
	DB() *sqlx.DB
	Create(ctx context.Context, q repository.Queryer, m *models.Message) error
	ListByTask(ctx context.Context, taskID int64, limit, offset int) ([]models.Message, error)
	CountPrestartNotes(ctx context.Context, taskID int64, senderID string, since time.Time) (int, error)
	InsertReads(ctx context.Context, q repository.Queryer, userID string, messageIDs []int64, at time.Time) error
	ListUnreadIDs(ctx context.Context, q repository.Queryer, taskID int64, userID string, upto int64) ([]int64, error)
	GetCursor(ctx context.Context, q repository.Queryer, taskID int64, userID string) (*models.MessageReadCursor, error)
	BumpCursor(ctx context.Context, q repository.Queryer, taskID int64, userID string, messageID int64, at time.Time) error
	UnreadCountByCursor(ctx context.Context, taskID int64, userID string, cursor int64) (int, error)
	UnreadCountByReads(ctx context.Context, taskID int64, userID string) (int, error)
}

// ChatTaskStore — срез хранилища задач для чата.
type ChatTaskStore interface {
	GetByID(ctx context.Context, q repository.Queryer, id int64) (*models.Task, error)
}

// ChatService — чат задач: права отправки, квитанции, курсоры.
type ChatService struct {
	messages MessageStore
	tasks    ChatTaskStore
	pusher   Pusher
	now      idgen.Clock
}

// NewChatService создаёт новый экземпляр.
func NewChatService(messages MessageStore, tasks ChatTaskStore, pusher Pusher) *ChatService {
	return &ChatService{
		messages: messages,
		tasks:    tasks,
		pusher:   pusher,
		now:      idgen.UTCNow,
	}
}

// SetClock подменяет источник времени в тестах.
func (s *ChatService) SetClock(now idgen.Clock) { s.now = now }

// chatOpen сообщает, открыт ли полноценный чат для сторон задачи.
func chatOpen(status string) bool {
	switch status {
	case models.TaskStatusInProgress, models.TaskStatusPendingConfirmation, models.TaskStatusDisputed:
		return true
	}
	return false
}

// SendMessage сохраняет сообщение чата задачи и доставляет его получателю.
//
// Политика отправки: обе стороны пишут с момента in_progress; до старта
// писать может только автор и только заметку с meta.is_prestart_note.
func (s *ChatService) SendMessage(ctx context.Context, senderID string, taskID int64, receiverID, content string, imageID *string, meta models.MessageMeta) (*models.Message, error) {
	if content == "" && imageID == nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "message content is empty")
	}

	task, err := s.tasks.GetByID(ctx, s.messages.DB(), taskID)
	if err != nil {
		return nil, err
	}

	isPoster := task.PosterID == senderID
	isTaker := task.HasTaker() && *task.TakerID == senderID
	if !isPoster && !isTaker {
		return nil, apperror.New(apperror.ErrCodeForbidden, "not a participant of this task")
	}

	switch {
	case chatOpen(task.Status):
		// обе стороны
	case task.Status == models.TaskStatusOpen || task.Status == models.TaskStatusTaken:
		if !isPoster {
			return nil, apperror.New(apperror.ErrCodeForbidden, "chat is not open yet")
		}
		if !meta.IsPrestartNote() {
			return nil, apperror.New(apperror.ErrCodeForbidden, "only prestart notes are allowed before work starts")
		}
		if err := s.checkPrestartLimits(ctx, taskID, senderID); err != nil {
			return nil, err
		}
	default:
		return nil, apperror.New(apperror.ErrCodePrecondition, "chat is closed for this task")
	}

	// Денежные сообщения (контрофферы) обязаны совпадать по валюте с задачей.
	if cur, ok := meta["currency"].(string); ok && task.Currency != "" && cur != task.Currency {
		return nil, apperror.New(apperror.ErrCodeValidation, "message currency does not match task currency")
	}

	msg := &models.Message{
		TaskID:     taskID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		ImageID:    imageID,
		Meta:       meta,
	}
	if err := s.messages.Create(ctx, s.messages.DB(), msg); err != nil {
		return nil, err
	}
	if s.pusher != nil {
		s.pusher.PushToUser(receiverID, "message", msg)
	}
	return msg, nil
}

// checkPrestartLimits проверяет лимиты заметок до старта: 1/мин, 20/день.
func (s *ChatService) checkPrestartLimits(ctx context.Context, taskID int64, senderID string) error {
	now := s.now()
	lastMinute, err := s.messages.CountPrestartNotes(ctx, taskID, senderID, now.Add(-time.Minute))
	if err != nil {
		return err
	}
	if lastMinute >= prestartPerMinute {
		return apperror.New(apperror.ErrCodeConflict, "prestart note rate limit: one per minute")
	}
	lastDay, err := s.messages.CountPrestartNotes(ctx, taskID, senderID, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if lastDay >= prestartPerDay {
		return apperror.New(apperror.ErrCodeConflict, "prestart note rate limit: twenty per day")
	}
	return nil
}

// ListMessages возвращает сообщения задачи для её участника.
func (s *ChatService) ListMessages(ctx context.Context, userID string, taskID int64, limit, offset int) ([]models.Message, error) {
	task, err := s.tasks.GetByID(ctx, s.messages.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if task.PosterID != userID && !(task.HasTaker() && *task.TakerID == userID) {
		return nil, apperror.New(apperror.ErrCodeForbidden, "not a participant of this task")
	}
	return s.messages.ListByTask(ctx, taskID, limit, offset)
}

// MarkRead вставляет недостающие квитанции до upto включительно и
// монотонно продвигает курсор.
func (s *ChatService) MarkRead(ctx context.Context, userID string, taskID, uptoMessageID int64) error {
	now := s.now()
	return db.WithTx(ctx, s.messages.DB(), func(tx *sqlx.Tx) error {
		ids, err := s.messages.ListUnreadIDs(ctx, tx, taskID, userID, uptoMessageID)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := s.messages.InsertReads(ctx, tx, userID, ids, now); err != nil {
				return err
			}
		}
		return s.messages.BumpCursor(ctx, tx, taskID, userID, uptoMessageID, now)
	})
}

// UnreadCount считает непрочитанное: быстрый путь по курсору, запасной
// по квитанциям. Свои сообщения не считаются.
func (s *ChatService) UnreadCount(ctx context.Context, userID string, taskID int64) (int, error) {
	cursor, err := s.messages.GetCursor(ctx, s.messages.DB(), taskID, userID)
	if err != nil {
		return 0, err
	}
	if cursor != nil {
		return s.messages.UnreadCountByCursor(ctx, taskID, userID, cursor.LastReadMessageID)
	}
	return s.messages.UnreadCountByReads(ctx, taskID, userID)
}
