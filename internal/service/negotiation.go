package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

const negotiationTokenTTL = 5 * time.Minute

// NegotiationClaim — данные, связанные с токеном ответа на торг.
type NegotiationClaim struct {
	TaskID        int64  `json:"task_id"`
	ApplicationID int64  `json:"application_id"`
	UserID        string `json:"user_id"`
	Action        string `json:"action"`
	Nonce         string `json:"nonce"`
}

// NegotiationTokenStore хранит одноразовые токены ответа на контроффер.
// Токен живёт 5 минут и гасится атомарным GETDEL, поэтому ссылку можно
// безопасно доставлять по email.
type NegotiationTokenStore struct {
	rdb *redis.Client
}

// NewNegotiationTokenStore создаёт новый экземпляр.
func NewNegotiationTokenStore(rdb *redis.Client) *NegotiationTokenStore {
	return &NegotiationTokenStore{rdb: rdb}
}

func negotiationKey(token string) string {
	return "negotiation_token:" + token
}

// Issue выпускает пару токенов accept/reject для одного контроффера.
func (s *NegotiationTokenStore) Issue(ctx context.Context, taskID, applicationID int64, userID string) (acceptToken, rejectToken string, err error) {
	acceptToken, err = s.issueOne(ctx, taskID, applicationID, userID, "accept")
	if err != nil {
		return "", "", err
	}
	rejectToken, err = s.issueOne(ctx, taskID, applicationID, userID, "reject")
	if err != nil {
		return "", "", err
	}
	return acceptToken, rejectToken, nil
}

func (s *NegotiationTokenStore) issueOne(ctx context.Context, taskID, applicationID int64, userID, action string) (string, error) {
	token, err := idgen.OpaqueToken(32)
	if err != nil {
		return "", fmt.Errorf("negotiation: generate token: %w", err)
	}
	nonce, err := idgen.OpaqueToken(8)
	if err != nil {
		return "", fmt.Errorf("negotiation: generate nonce: %w", err)
	}
	claim := NegotiationClaim{
		TaskID:        taskID,
		ApplicationID: applicationID,
		UserID:        userID,
		Action:        action,
		Nonce:         nonce,
	}
	raw, err := json.Marshal(claim)
	if err != nil {
		return "", fmt.Errorf("negotiation: marshal claim: %w", err)
	}
	if err := s.rdb.Set(ctx, negotiationKey(token), raw, negotiationTokenTTL).Err(); err != nil {
		return "", fmt.Errorf("negotiation: store token: %w", err)
	}
	return token, nil
}

// Consume гасит токен и возвращает claim. Повторное использование и
// истёкший токен дают одинаковую ошибку.
func (s *NegotiationTokenStore) Consume(ctx context.Context, token string) (*NegotiationClaim, error) {
	raw, err := s.rdb.GetDel(ctx, negotiationKey(token)).Bytes()
	if err == redis.Nil {
		return nil, apperror.New(apperror.ErrCodeUnauthorized, "negotiation token expired or already used")
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation: consume token: %w", err)
	}
	var claim NegotiationClaim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return nil, fmt.Errorf("negotiation: decode claim: %w", err)
	}
	return &claim, nil
}
