package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unitask/unitask-backend/internal/logger"
)

// Максимальная длина логического ключа; более длинные хэшируются.
const maxKeyLen = 50

// Cache — типизированная обёртка над Redis с TTL, версионированными
// пространствами имён и инвалидацией по паттерну. Записи кэша носят
// рекомендательный характер: корректность никогда не зависит от них,
// поэтому все ошибки здесь лишь логируются.
type Cache struct {
	client *redis.Client
}

// New создаёт новый экземпляр.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Key строит ключ вида type:scope:...; длинный хвост заменяется
// усечённым MD5 (16 hex символов).
func Key(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	if len(key) > maxKeyLen {
		sum := md5.Sum([]byte(key))
		return parts[0] + ":" + hex.EncodeToString(sum[:])[:16]
	}
	return key
}

// Get читает значение и декодирует JSON в dest. Возвращает false при
// промахе или ошибке декодирования.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil && logger.Log != nil {
			logger.Log.Warnf("cache: get %s: %v", key, err)
		}
		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		// Устаревший бинарный формат миграционного окна читать не
		// пытаемся — промах дешевле.
		if logger.Log != nil {
			logger.Log.Warnf("cache: не удалось декодировать %s: %v", key, err)
		}
		_ = c.client.Del(ctx, key).Err()
		return false
	}
	return true
}

// Set сериализует значение в JSON и пишет с TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		if logger.Log != nil {
			logger.Log.Warnf("cache: не удалось сериализовать %s: %v", key, err)
		}
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil && logger.Log != nil {
		logger.Log.Warnf("cache: set %s: %v", key, err)
	}
}

// Delete удаляет конкретные ключи.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil && logger.Log != nil {
		logger.Log.Warnf("cache: del: %v", err)
	}
}

// DeletePattern удаляет все ключи по паттерну через SCAN (никогда KEYS).
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			if logger.Log != nil {
				logger.Log.Warnf("cache: scan %s: %v", pattern, err)
			}
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil && logger.Log != nil {
				logger.Log.Warnf("cache: del по паттерну %s: %v", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Version возвращает текущую версию пространства имён.
func (c *Cache) Version(ctx context.Context, namespace string) int64 {
	v, err := c.client.Get(ctx, "cache_version:"+namespace).Int64()
	if err != nil {
		return 1
	}
	return v
}

// BumpVersion массово инвалидирует пространство имён инкрементом версии.
func (c *Cache) BumpVersion(ctx context.Context, namespace string) {
	if err := c.client.Incr(ctx, "cache_version:"+namespace).Err(); err != nil && logger.Log != nil {
		logger.Log.Warnf("cache: bump version %s: %v", namespace, err)
	}
}

// VersionedKey строит ключ с текущей версией пространства имён:
// tasks:list:v{n}:{хвост}.
func (c *Cache) VersionedKey(ctx context.Context, namespace string, parts ...string) string {
	v := c.Version(ctx, namespace)
	all := append([]string{namespace, "v" + strconv.FormatInt(v, 10)}, parts...)
	return Key(all...)
}

// GetOrSet читает значение или вычисляет и кэширует его.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, dest interface{}, fn func() (interface{}, error)) error {
	if c.Get(ctx, key, dest) {
		return nil
	}

	value, err := fn()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache: unmarshal: %w", err)
	}

	c.Set(ctx, key, value, ttl)
	return nil
}

// InvalidateUser сбрасывает кэши, затронутые изменением пользователя.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	c.Delete(ctx, "user:"+userID, "vip_status:"+userID)
	c.DeletePattern(ctx, "user_tasks:"+userID+"*")
}

// InvalidateTask сбрасывает кэши, затронутые изменением задачи.
func (c *Cache) InvalidateTask(ctx context.Context, taskID int64, posterID string) {
	c.Delete(ctx, "task_detail:"+strconv.FormatInt(taskID, 10))
	c.DeletePattern(ctx, "tasks:list:*")
	if posterID != "" {
		c.InvalidateUser(ctx, posterID)
	}
}
