package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitask/unitask-backend/internal/db"
	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/repository"
)

const (
	// endedChatsCap — сколько завершённых чатов хранится на оператора.
	endedChatsCap = 50
	// chatIdleTimeout — неактивный чат завершается автоматически.
	chatIdleTimeout = 30 * time.Minute
	// chatWarnLead — за сколько до авто-завершения стороны получают
	// предупреждение.
	chatWarnLead = 5 * time.Minute
)

// CSChatStore — порт хранилища чатов поддержки.
type CSChatStore interface {
	DB() *sqlx.DB
	GetChat(ctx context.Context, q repository.Queryer, chatID int64) (*models.CustomerServiceChat, error)
	GetActiveChatByUser(ctx context.Context, userID string) (*models.CustomerServiceChat, error)
	CreateChat(ctx context.Context, q repository.Queryer, chat *models.CustomerServiceChat) error
	EndChat(ctx context.Context, q repository.Queryer, chatID int64, reason string, at time.Time) error
	ListChatsByService(ctx context.Context, serviceID string, ended bool, limit int) ([]models.CustomerServiceChat, error)
	TrimEndedChats(ctx context.Context, serviceID string, cap int) (int64, error)
	CreateMessage(ctx context.Context, q repository.Queryer, m *models.CustomerServiceMessage) error
	UpdateMessageStatus(ctx context.Context, q repository.Queryer, messageID int64, status string) error
	ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]models.CustomerServiceMessage, error)
	Enqueue(ctx context.Context, userID string, at time.Time) (*models.CustomerServiceQueue, error)
	OldestWaiting(ctx context.Context, tx *sqlx.Tx) (*models.CustomerServiceQueue, error)
	AssignQueueEntry(ctx context.Context, q repository.Queryer, entryID int64, serviceID string, at time.Time) error
	CountWaiting(ctx context.Context) (int, error)
	FreeServices(ctx context.Context, q repository.Queryer) ([]string, error)
	CountOnlineServices(ctx context.Context) (int, error)
	AvgChatDurationSeconds(ctx context.Context, n int) (float64, error)
	ListTimedOutChats(ctx context.Context, cutoff time.Time) ([]models.CustomerServiceChat, error)
	ListIdleUnwarned(ctx context.Context, cutoff time.Time) ([]models.CustomerServiceChat, error)
	MarkWarned(ctx context.Context, q repository.Queryer, chatID int64, at time.Time) error
}

// PrivateFileCleaner удаляет приватные файлы завершённого чата.
type PrivateFileCleaner interface {
	RemoveChatFiles(chatID int64)
}

// CSChatService — чаты поддержки: очередь, назначение операторов,
// завершение и оценка ожидания.
type CSChatService struct {
	chats   CSChatStore
	pusher  Pusher
	cleaner PrivateFileCleaner
	now     idgen.Clock
}

// NewCSChatService создаёт новый экземпляр.
func NewCSChatService(chats CSChatStore, pusher Pusher, cleaner PrivateFileCleaner) *CSChatService {
	return &CSChatService{
		chats:   chats,
		pusher:  pusher,
		cleaner: cleaner,
		now:     idgen.UTCNow,
	}
}

// SetClock подменяет источник времени в тестах.
func (s *CSChatService) SetClock(now idgen.Clock) { s.now = now }

// RequestChat ставит пользователя в очередь либо возвращает активный
// чат. Повторный запрос не плодит записей: частичный уникальный индекс
// по waiting глотает дубль.
func (s *CSChatService) RequestChat(ctx context.Context, userID string) (*models.CustomerServiceChat, *models.CustomerServiceQueue, error) {
	if chat, err := s.chats.GetActiveChatByUser(ctx, userID); err == nil {
		return chat, nil, nil
	} else if err != repository.ErrChatNotFound {
		return nil, nil, err
	}

	entry, err := s.chats.Enqueue(ctx, userID, s.now())
	if err != nil {
		return nil, nil, err
	}
	// Попытка немедленного назначения: возможно, есть свободный оператор.
	if err := s.DispatchQueue(ctx); err != nil {
		logger.Log.WithError(err).Warn("немедленное назначение оператора не удалось")
	}
	if chat, err := s.chats.GetActiveChatByUser(ctx, userID); err == nil {
		return chat, nil, nil
	}
	return nil, entry, nil
}

// DispatchQueue назначает ожидающих свободным операторам. Выборка
// головы очереди идёт под SKIP LOCKED, так что конкурентные вызовы не
// назначают одного пользователя дважды.
func (s *CSChatService) DispatchQueue(ctx context.Context) error {
	for {
		assigned, err := s.dispatchOne(ctx)
		if err != nil {
			return err
		}
		if !assigned {
			return nil
		}
	}
}

func (s *CSChatService) dispatchOne(ctx context.Context) (bool, error) {
	var chat *models.CustomerServiceChat
	err := db.WithTx(ctx, s.chats.DB(), func(tx *sqlx.Tx) error {
		free, err := s.chats.FreeServices(ctx, tx)
		if err != nil {
			return err
		}
		if len(free) == 0 {
			return nil
		}
		entry, err := s.chats.OldestWaiting(ctx, tx)
		if err != nil {
			if err == repository.ErrChatNotFound {
				return nil
			}
			return err
		}
		now := s.now()
		serviceID := free[0]
		if err := s.chats.AssignQueueEntry(ctx, tx, entry.ID, serviceID, now); err != nil {
			return err
		}
		chat = &models.CustomerServiceChat{
			UserID:     entry.UserID,
			ServiceID:  serviceID,
			AssignedAt: now,
		}
		return s.chats.CreateChat(ctx, tx, chat)
	})
	if err != nil || chat == nil {
		return false, err
	}
	if s.pusher != nil {
		s.pusher.PushToUser(chat.UserID, "cs_chat_assigned", chat)
		s.pusher.PushToUser(chat.ServiceID, "cs_chat_assigned", chat)
	}
	return true, nil
}

// SendMessage сохраняет сообщение чата поддержки.
func (s *CSChatService) SendMessage(ctx context.Context, senderID string, chatID int64, content string, isService bool) (*models.CustomerServiceMessage, error) {
	if content == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "message content is empty")
	}
	chat, err := s.chats.GetChat(ctx, s.chats.DB(), chatID)
	if err != nil {
		return nil, err
	}
	if chat.IsEnded {
		return nil, apperror.New(apperror.ErrCodePrecondition, "chat is ended")
	}
	if isService {
		if chat.ServiceID != senderID {
			return nil, apperror.New(apperror.ErrCodeForbidden, "chat belongs to another service agent")
		}
	} else if chat.UserID != senderID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "chat belongs to another user")
	}

	msg := &models.CustomerServiceMessage{
		ChatID:    chatID,
		SenderID:  senderID,
		IsService: isService,
		Content:   content,
		Status:    models.CSMessageStatusSent,
	}
	if err := s.chats.CreateMessage(ctx, s.chats.DB(), msg); err != nil {
		return nil, err
	}

	receiver := chat.UserID
	if !isService {
		receiver = chat.ServiceID
	}
	if s.pusher != nil {
		s.pusher.PushToUser(receiver, "cs_message", msg)
		_ = s.chats.UpdateMessageStatus(ctx, s.chats.DB(), msg.ID, models.CSMessageStatusDelivered)
		msg.Status = models.CSMessageStatusDelivered
	}
	return msg, nil
}

// MarkMessageRead отмечает сообщение прочитанным.
func (s *CSChatService) MarkMessageRead(ctx context.Context, messageID int64) error {
	return s.chats.UpdateMessageStatus(ctx, s.chats.DB(), messageID, models.CSMessageStatusRead)
}

// ListMessages возвращает сообщения чата его участнику.
func (s *CSChatService) ListMessages(ctx context.Context, actorID string, chatID int64, limit, offset int) ([]models.CustomerServiceMessage, error) {
	chat, err := s.chats.GetChat(ctx, s.chats.DB(), chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != actorID && chat.ServiceID != actorID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "not a participant of this chat")
	}
	return s.chats.ListMessages(ctx, chatID, limit, offset)
}

// EndChat завершает чат, чистит приватные файлы и подрезает историю
// оператора до лимита.
func (s *CSChatService) EndChat(ctx context.Context, actorID string, chatID int64, reason string) error {
	chat, err := s.chats.GetChat(ctx, s.chats.DB(), chatID)
	if err != nil {
		return err
	}
	if chat.UserID != actorID && chat.ServiceID != actorID {
		return apperror.New(apperror.ErrCodeForbidden, "not a participant of this chat")
	}
	if chat.IsEnded {
		return nil
	}
	if err := s.chats.EndChat(ctx, s.chats.DB(), chatID, reason, s.now()); err != nil {
		return err
	}

	if s.cleaner != nil {
		s.cleaner.RemoveChatFiles(chatID)
	}
	if trimmed, err := s.chats.TrimEndedChats(ctx, chat.ServiceID, endedChatsCap); err != nil {
		logger.Log.WithField("service_id", chat.ServiceID).WithError(err).Warn("подрезка истории чатов не удалась")
	} else if trimmed > 0 {
		logger.Log.WithField("service_id", chat.ServiceID).Debugf("удалено %d старых чатов", trimmed)
	}

	// Оператор освободился: раздаём очередь.
	if err := s.DispatchQueue(ctx); err != nil {
		logger.Log.WithError(err).Warn("раздача очереди после завершения чата не удалась")
	}
	return nil
}

// WarnIdleChats предупреждает стороны простаивающего чата о скором
// авто-завершении. Каждый чат предупреждается один раз; новое
// сообщение снимает отметку.
func (s *CSChatService) WarnIdleChats(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-(chatIdleTimeout - chatWarnLead))
	idle, err := s.chats.ListIdleUnwarned(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	warned := 0
	for _, chat := range idle {
		if err := s.chats.MarkWarned(ctx, s.chats.DB(), chat.ID, s.now()); err != nil {
			logger.Log.WithField("chat_id", chat.ID).WithError(err).Warn("не удалось отметить предупреждение")
			continue
		}
		if s.pusher != nil {
			payload := map[string]interface{}{
				"chat_id":        chat.ID,
				"seconds_to_end": int(chatWarnLead.Seconds()),
				"reason":         "idle",
			}
			s.pusher.PushToUser(chat.UserID, "cs_chat_timeout_warning", payload)
			s.pusher.PushToUser(chat.ServiceID, "cs_chat_timeout_warning", payload)
		}
		warned++
	}
	return warned, nil
}

// AutoEndIdleChats завершает чаты без сообщений дольше таймаута.
func (s *CSChatService) AutoEndIdleChats(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-chatIdleTimeout)
	stale, err := s.chats.ListTimedOutChats(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, chat := range stale {
		if err := s.EndChat(ctx, chat.ServiceID, chat.ID, "idle timeout"); err != nil {
			logger.Log.WithField("chat_id", chat.ID).WithError(err).Warn("авто-завершение чата не удалось")
			continue
		}
		ended++
	}
	return ended, nil
}

// EstimatedWaitSeconds оценивает ожидание: средняя длительность
// последних 100 чатов, делённая на число онлайн-операторов, умноженная
// на позицию в очереди.
func (s *CSChatService) EstimatedWaitSeconds(ctx context.Context) (int, error) {
	waiting, err := s.chats.CountWaiting(ctx)
	if err != nil {
		return 0, err
	}
	if waiting == 0 {
		return 0, nil
	}
	online, err := s.chats.CountOnlineServices(ctx)
	if err != nil {
		return 0, err
	}
	if online == 0 {
		return -1, nil // операторов нет, оценка невозможна
	}
	avg, err := s.chats.AvgChatDurationSeconds(ctx, 100)
	if err != nil {
		return 0, err
	}
	return int(avg * float64(waiting) / float64(online)), nil
}
