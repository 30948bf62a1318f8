package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/logger"
)

const (
	messageRetention      = 180 * 24 * time.Hour
	notificationRetention = 90 * 24 * time.Hour
	orphanFileMaxAge      = 7 * 24 * time.Hour
	tempDirMaxAge         = 24 * time.Hour
	orphanSweepCap        = 500
)

// MessageSweeper — срез хранилища сообщений для ретеншна.
type MessageSweeper interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// NotificationSweeper — срез хранилища уведомлений для ретеншна.
type NotificationSweeper interface {
	DeleteReadOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// StorageSweeper подметает файловое хранилище.
type StorageSweeper interface {
	SweepOrphans(maxAge time.Duration, cap int) (int, error)
	SweepTempDirs(maxAge time.Duration) (int, error)
}

// CleanupService — периодические зачистки: файлы-сироты, временные
// каталоги, старые сообщения и уведомления, подвисшие ключи сессий.
type CleanupService struct {
	messages      MessageSweeper
	notifications NotificationSweeper
	storage       StorageSweeper
	rdb           *redis.Client
	now           idgen.Clock
}

// NewCleanupService создаёт новый экземпляр.
func NewCleanupService(messages MessageSweeper, notifications NotificationSweeper, storage StorageSweeper, rdb *redis.Client) *CleanupService {
	return &CleanupService{
		messages:      messages,
		notifications: notifications,
		storage:       storage,
		rdb:           rdb,
		now:           idgen.UTCNow,
	}
}

// SetClock подменяет источник времени в тестах.
func (s *CleanupService) SetClock(now idgen.Clock) { s.now = now }

// DailyCleanup выполняет суточный свип целиком. Сбой одного шага не
// останавливает остальные.
func (s *CleanupService) DailyCleanup(ctx context.Context) {
	now := s.now()

	if s.messages != nil {
		if n, err := s.messages.DeleteOlderThan(ctx, now.Add(-messageRetention), 5000); err != nil {
			logger.Log.WithError(err).Warn("зачистка старых сообщений не удалась")
		} else if n > 0 {
			logger.Log.WithField("count", n).Info("удалены сообщения за пределами ретеншна")
		}
	}

	if s.notifications != nil {
		if n, err := s.notifications.DeleteReadOlderThan(ctx, now.Add(-notificationRetention), 5000); err != nil {
			logger.Log.WithError(err).Warn("зачистка уведомлений не удалась")
		} else if n > 0 {
			logger.Log.WithField("count", n).Info("удалены старые прочитанные уведомления")
		}
	}

	if s.storage != nil {
		if n, err := s.storage.SweepOrphans(orphanFileMaxAge, orphanSweepCap); err != nil {
			logger.Log.WithError(err).Warn("свип файлов-сирот не удался")
		} else if n > 0 {
			logger.Log.WithField("count", n).Info("удалены файлы-сироты")
		}
		if n, err := s.storage.SweepTempDirs(tempDirMaxAge); err != nil {
			logger.Log.WithError(err).Warn("свип временных каталогов не удался")
		} else if n > 0 {
			logger.Log.WithField("count", n).Info("удалены временные каталоги загрузок")
		}
	}

	s.sessionGC(ctx)
}

// sessionGC — страховка от ключей сессий, потерявших TTL: такие ключи
// иначе живут вечно. Штатно сессии истекают сами.
func (s *CleanupService) sessionGC(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	var cursor uint64
	removed := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "session:*", 200).Result()
		if err != nil {
			logger.Log.WithError(err).Warn("скан ключей сессий не удался")
			return
		}
		for _, key := range keys {
			ttl, err := s.rdb.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			if ttl == -1 {
				if err := s.rdb.Del(ctx, key).Err(); err == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if removed > 0 {
		logger.Log.WithFields(logrus.Fields{"count": removed}).Warn("удалены ключи сессий без TTL")
	}
}
