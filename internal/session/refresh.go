package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

// Минимальный интервал между погашениями refresh-токена. Останавливает
// replay-циклы украденного токена.
const refreshRedeemInterval = 20 * time.Minute

// RefreshRecord — запись refresh-токена в KV.
type RefreshRecord struct {
	PrincipalID       string    `json:"principal_id"`
	Realm             string    `json:"realm"`
	IP                string    `json:"ip"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastUsed          time.Time `json:"last_used"`
}

func refreshKey(realm, token string) string {
	switch realm {
	case models.RealmService:
		return "service_refresh_token:" + token
	case models.RealmAdmin:
		return "admin_refresh_token:" + token
	default:
		return "refresh_token:" + token
	}
}

// IssueRefreshToken генерирует опачный 256-битный токен, привязанный к
// {principal, ip, device_fp}, и прикрепляет его к сессии. Токен, выданный
// при логине, можно погасить сразу.
func (s *Store) IssueRefreshToken(ctx context.Context, info *SessionInfo, ttl time.Duration) (string, error) {
	return s.issueRefresh(ctx, info, ttl, time.Time{})
}

func (s *Store) issueRefresh(ctx context.Context, info *SessionInfo, ttl time.Duration, lastUsed time.Time) (string, error) {
	token, err := idgen.OpaqueToken(32)
	if err != nil {
		return "", err
	}

	now := s.now()
	record := RefreshRecord{
		PrincipalID:       info.PrincipalID,
		Realm:             info.Realm,
		IP:                info.IP,
		DeviceFingerprint: info.DeviceFingerprint,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		LastUsed:          lastUsed,
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("session: encode refresh: %w", err)
	}
	if err := s.client.Set(ctx, refreshKey(info.Realm, token), raw, ttl).Err(); err != nil {
		return "", fmt.Errorf("session: set refresh: %w", err)
	}

	// Старый токен сессии больше не нужен.
	if info.RefreshToken != "" {
		_ = s.client.Del(ctx, refreshKey(info.Realm, info.RefreshToken)).Err()
	}
	info.RefreshToken = token
	if err := s.save(ctx, info); err != nil {
		return "", err
	}

	return token, nil
}

// VerifyAndConsume проверяет refresh-токен и гасит его только при
// успешном погашении: отказ по привязке или частоте оставляет токен
// живым, и легитимный клиент может повторить позже. Само погашение
// атомарно через GETDEL, из конкурентных ротаций выигрывает одна.
func (s *Store) VerifyAndConsume(ctx context.Context, realm, token, currentIP, currentFP string, refreshTTL time.Duration) (*SessionInfo, string, error) {
	raw, err := s.client.Get(ctx, refreshKey(realm, token)).Bytes()
	if err == redis.Nil {
		return nil, "", apperror.New(apperror.ErrCodeUnauthorized, "refresh token is invalid or expired")
	}
	if err != nil {
		return nil, "", fmt.Errorf("session: get refresh: %w", err)
	}

	var record RefreshRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, "", fmt.Errorf("session: decode refresh: %w", err)
	}

	now := s.now()
	if now.After(record.ExpiresAt) {
		return nil, "", apperror.New(apperror.ErrCodeUnauthorized, "refresh token expired")
	}
	if record.IP != currentIP || record.DeviceFingerprint != currentFP {
		return nil, "", apperror.New(apperror.ErrCodeUnauthorized, "refresh token binding mismatch")
	}
	if !record.LastUsed.IsZero() && now.Sub(record.LastUsed) < refreshRedeemInterval {
		return nil, "", apperror.New(apperror.ErrCodeUnauthorized, "refresh token redeemed too recently")
	}

	if _, err := s.client.GetDel(ctx, refreshKey(realm, token)).Result(); err != nil {
		if err == redis.Nil {
			return nil, "", apperror.New(apperror.ErrCodeUnauthorized, "refresh token already redeemed")
		}
		return nil, "", fmt.Errorf("session: getdel refresh: %w", err)
	}

	info, err := s.CreateSession(ctx, record.PrincipalID, realm, currentFP, currentIP)
	if err != nil {
		return nil, "", err
	}

	// Новый токен помечается использованным сейчас: следующая ротация
	// возможна не раньше чем через refreshRedeemInterval.
	newToken, err := s.issueRefresh(ctx, info, refreshTTL, now)
	if err != nil {
		return nil, "", err
	}

	return info, newToken, nil
}
