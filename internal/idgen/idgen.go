package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock возвращает текущее время; сервисы получают его инъекцией,
// чтобы тесты могли подменить часы.
type Clock func() time.Time

// UTCNow — часы по умолчанию.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// Алфавит Крокфорда без неоднозначных символов.
const shortAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewULID генерирует сортируемый по времени идентификатор.
func NewULID() string {
	return ulid.Make().String()
}

// ShortID генерирует короткий идентификатор заданной длины с префиксом
// (U для пользователей, S для службы поддержки, A для админов).
func ShortID(prefix string, length int) (string, error) {
	if length <= 0 {
		length = 8
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}

	out := make([]byte, length)
	for i, b := range buf {
		out[i] = shortAlphabet[int(b)%len(shortAlphabet)]
	}

	return prefix + string(out), nil
}

// OpaqueToken возвращает случайный токен в hex (len байт энтропии).
func OpaqueToken(numBytes int) (string, error) {
	if numBytes <= 0 {
		numBytes = 32
	}

	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
