package service

import (
	"context"

	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/repository"
)

// NotificationStore — порт хранилища уведомлений.
type NotificationStore interface {
	Create(ctx context.Context, q repository.Queryer, n *models.Notification) error
	CreateBatch(ctx context.Context, q repository.Queryer, ns []*models.Notification) error
	ListByUser(ctx context.Context, userID string, onlyUnread bool, limit, offset int) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, id int64) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// Pusher доставляет realtime-события подключённым клиентам.
// Доставка best-effort: офлайн-получатель прочитает уведомление из БД.
type Pusher interface {
	PushToUser(userID string, event string, payload interface{})
}

// NotificationService — шина уведомлений. Строка уведомления пишется
// через handle вызывающего, то есть коммитится атомарно с доменным
// изменением; push уходит отдельно и может потеряться.
type NotificationService struct {
	store  NotificationStore
	pusher Pusher
}

// NewNotificationService создаёт новый экземпляр.
func NewNotificationService(store NotificationStore, pusher Pusher) *NotificationService {
	return &NotificationService{store: store, pusher: pusher}
}

// Notify пишет уведомление в транзакции вызывающего и отправляет push.
func (s *NotificationService) Notify(ctx context.Context, q repository.Queryer, n *models.Notification) error {
	if err := s.store.Create(ctx, q, n); err != nil {
		return err
	}
	s.push(n)
	return nil
}

// NotifyBatch пишет пачку уведомлений и рассылает push каждому.
func (s *NotificationService) NotifyBatch(ctx context.Context, q repository.Queryer, ns []*models.Notification) error {
	if err := s.store.CreateBatch(ctx, q, ns); err != nil {
		return err
	}
	for _, n := range ns {
		s.push(n)
	}
	return nil
}

func (s *NotificationService) push(n *models.Notification) {
	if s.pusher == nil {
		return
	}
	s.pusher.PushToUser(n.UserID, "notification", n)
}

// List возвращает уведомления пользователя.
func (s *NotificationService) List(ctx context.Context, userID string, onlyUnread bool, limit, offset int) ([]models.Notification, error) {
	return s.store.ListByUser(ctx, userID, onlyUnread, limit, offset)
}

// UnreadCount возвращает число непрочитанных уведомлений.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnread(ctx, userID)
}

// MarkRead отмечает уведомление прочитанным.
func (s *NotificationService) MarkRead(ctx context.Context, userID string, id int64) error {
	return s.store.MarkRead(ctx, userID, id)
}

// MarkAllRead отмечает все уведомления прочитанными.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Log.WithField("user_id", userID).Debugf("отмечено прочитанными %d уведомлений", n)
	}
	return n, nil
}

// taskNotification собирает двуязычное уведомление, связанное с задачей.
func taskNotification(userID, ntype, title, titleEn, content, contentEn string, taskID int64) *models.Notification {
	rt := models.RelatedTypeTask
	return &models.Notification{
		UserID:      userID,
		Type:        ntype,
		Title:       title,
		TitleEn:     &titleEn,
		Content:     content,
		ContentEn:   &contentEn,
		RelatedID:   &taskID,
		RelatedType: &rt,
	}
}

// applicationNotification собирает уведомление, связанное с откликом.
func applicationNotification(userID, ntype, title, titleEn, content, contentEn string, applicationID int64) *models.Notification {
	rt := models.RelatedTypeApplication
	return &models.Notification{
		UserID:      userID,
		Type:        ntype,
		Title:       title,
		TitleEn:     &titleEn,
		Content:     content,
		ContentEn:   &contentEn,
		RelatedID:   &applicationID,
		RelatedType: &rt,
	}
}
