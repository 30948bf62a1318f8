package distlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unitask/unitask-backend/internal/logger"
)

// Locker реализует опортунистический распределённый мьютекс поверх
// Redis SET NX EX. TTL гарантирует освобождение даже при падении владельца.
type Locker struct {
	client *redis.Client
}

// NewLocker создаёт новый экземпляр.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire пытается захватить блокировку. При недоступности Redis возвращает
// true (деградация в "разрешить"): фоновые задачи обязаны продолжать работу
// во время сбоя KV, повторное выполнение идемпотентных задач допустимо.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := l.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		if logger.Log != nil {
			logger.Log.WithField("key", key).Warnf("distlock: Redis недоступен, блокировка выдана в деградированном режиме: %v", err)
		}
		return true
	}
	return ok
}

// Release снимает блокировку. Best-effort: ошибка игнорируется,
// TTL всё равно освободит ключ.
func (l *Locker) Release(ctx context.Context, key string) {
	if err := l.client.Del(ctx, key).Err(); err != nil && logger.Log != nil {
		logger.Log.WithField("key", key).Warnf("distlock: не удалось снять блокировку: %v", err)
	}
}

// WithLock выполняет fn под блокировкой; если блокировка занята пиром,
// возвращает false и fn не запускается.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func()) bool {
	if !l.Acquire(ctx, key, ttl) {
		return false
	}
	defer l.Release(ctx, key)
	fn()
	return true
}
