package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

// Активность сессии фиксируется не чаще раза в 5 минут,
// чтобы не усиливать запись в KV на каждый запрос.
const activityBumpInterval = 5 * time.Minute

// SessionInfo — серверная запись сессии в KV.
type SessionInfo struct {
	SessionID         string    `json:"session_id"`
	PrincipalID       string    `json:"principal_id"`
	Realm             string    `json:"realm"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	IP                string    `json:"ip"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	RefreshToken      string    `json:"refresh_token,omitempty"`
}

// Store управляет сессиями трёх независимых realm'ов.
type Store struct {
	client      *redis.Client
	now         func() time.Time
	maxSessions int
	ttl         map[string]time.Duration
}

// NewStore создаёт хранилище сессий.
func NewStore(client *redis.Client, userTTL, serviceTTL, adminTTL time.Duration, maxSessions int) *Store {
	if maxSessions <= 0 {
		maxSessions = 3
	}
	return &Store{
		client:      client,
		now:         func() time.Time { return time.Now().UTC() },
		maxSessions: maxSessions,
		ttl: map[string]time.Duration{
			models.RealmUser:    userTTL,
			models.RealmService: serviceTTL,
			models.RealmAdmin:   adminTTL,
		},
	}
}

// SetClock подменяет часы (для тестов).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func sessionKey(realm, id string) string {
	switch realm {
	case models.RealmService:
		return "service_session:" + id
	case models.RealmAdmin:
		return "admin_session:" + id
	default:
		return "session:" + id
	}
}

func indexKey(realm, principalID string) string {
	switch realm {
	case models.RealmService:
		return "service_sessions:" + principalID
	case models.RealmAdmin:
		return "admin_sessions:" + principalID
	default:
		return "user_sessions:" + principalID
	}
}

func (s *Store) realmTTL(realm string) time.Duration {
	if ttl, ok := s.ttl[realm]; ok && ttl > 0 {
		return ttl
	}
	return 4 * time.Hour
}

// CreateSession создаёт сессию или переиспользует существующую с теми же
// (device_fp, ip). При превышении лимита K отзывает самую старую.
func (s *Store) CreateSession(ctx context.Context, principalID, realm, deviceFP, ip string) (*SessionInfo, error) {
	existing, err := s.ListSessions(ctx, principalID, realm)
	if err != nil {
		return nil, err
	}

	for _, info := range existing {
		if info.DeviceFingerprint == deviceFP && info.IP == ip {
			info.LastActivity = s.now()
			if err := s.save(ctx, info); err != nil {
				return nil, err
			}
			return info, nil
		}
	}

	if len(existing) >= s.maxSessions {
		sort.Slice(existing, func(i, j int) bool {
			return existing[i].CreatedAt.Before(existing[j].CreatedAt)
		})
		for i := 0; i <= len(existing)-s.maxSessions; i++ {
			if err := s.RevokeSession(ctx, existing[i].SessionID, realm); err != nil {
				logger.Log.Warnf("session: не удалось отозвать старую сессию %s: %v", existing[i].SessionID, err)
			}
		}
	}

	now := s.now()
	info := &SessionInfo{
		SessionID:         uuid.NewString(),
		PrincipalID:       principalID,
		Realm:             realm,
		DeviceFingerprint: deviceFP,
		IP:                ip,
		CreatedAt:         now,
		LastActivity:      now,
	}

	if err := s.save(ctx, info); err != nil {
		return nil, err
	}

	ttl := s.realmTTL(realm)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, indexKey(realm, principalID), info.SessionID)
	pipe.Expire(ctx, indexKey(realm, principalID), ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: не удалось обновить индекс: %w", err)
	}

	return info, nil
}

// GetSession возвращает сессию по id, проверяя дрейф отпечатка.
// При сходстве ≥ порога отпечаток тихо обновляется (обновление браузера),
// ниже порога сессия отзывается (подозрение на кражу). Отсутствующая,
// истёкшая или отозванная сессия — всегда ошибка Unauthorized, а не nil.
func (s *Store) GetSession(ctx context.Context, sessionID, realm, currentFP string, updateActivity bool) (*SessionInfo, error) {
	info, err := s.load(ctx, sessionID, realm)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, apperror.New(apperror.ErrCodeUnauthorized, "session is invalid or expired")
	}

	if currentFP != "" && currentFP != info.DeviceFingerprint {
		similarity := FingerprintSimilarity(info.DeviceFingerprint, currentFP)
		if similarity < fingerprintSimilarityThreshold {
			logger.Log.WithField("session_id", sessionID).
				Warnf("session: отпечаток устройства изменился (сходство %.2f), сессия отозвана", similarity)
			_ = s.RevokeSession(ctx, sessionID, realm)
			return nil, apperror.New(apperror.ErrCodeUnauthorized, "session revoked")
		}
		info.DeviceFingerprint = currentFP
		if err := s.save(ctx, info); err != nil {
			return nil, err
		}
	}

	if updateActivity && s.now().Sub(info.LastActivity) >= activityBumpInterval {
		info.LastActivity = s.now()
		if err := s.save(ctx, info); err != nil {
			return nil, err
		}
	}

	return info, nil
}

// RevokeSession удаляет сессию и её запись в индексе.
func (s *Store) RevokeSession(ctx context.Context, sessionID, realm string) error {
	info, err := s.load(ctx, sessionID, realm)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(realm, sessionID))
	if info != nil {
		pipe.SRem(ctx, indexKey(realm, info.PrincipalID), sessionID)
		if info.RefreshToken != "" {
			pipe.Del(ctx, refreshKey(realm, info.RefreshToken))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}
	return nil
}

// RevokeOtherSessions отзывает все сессии принципала, кроме указанной,
// и вычищает refresh-токены, не принадлежащие оставшейся.
func (s *Store) RevokeOtherSessions(ctx context.Context, principalID, realm, keepSessionID string) (int, error) {
	ids, err := s.client.SMembers(ctx, indexKey(realm, principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("session: чтение индекса: %w", err)
	}

	revoked := 0
	for _, id := range ids {
		if id == keepSessionID {
			continue
		}
		if err := s.RevokeSession(ctx, id, realm); err != nil {
			logger.Log.Warnf("session: не удалось отозвать сессию %s: %v", id, err)
			continue
		}
		revoked++
	}
	return revoked, nil
}

// ListSessions возвращает живые сессии принципала, подчищая индекс от
// истёкших по TTL.
func (s *Store) ListSessions(ctx context.Context, principalID, realm string) ([]*SessionInfo, error) {
	ids, err := s.client.SMembers(ctx, indexKey(realm, principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: чтение индекса: %w", err)
	}

	out := make([]*SessionInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.load(ctx, id, realm)
		if err != nil {
			return nil, err
		}
		if info == nil {
			_ = s.client.SRem(ctx, indexKey(realm, principalID), id).Err()
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, sessionID, realm string) (*SessionInfo, error) {
	raw, err := s.client.Get(ctx, sessionKey(realm, sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}

	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &info, nil
}

func (s *Store) save(ctx context.Context, info *SessionInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(info.Realm, info.SessionID), raw, s.realmTTL(info.Realm)).Err(); err != nil {
		return fmt.Errorf("session: set: %w", err)
	}
	return nil
}
