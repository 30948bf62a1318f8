package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/session"
)

// Context ключи для gin.Context.
const (
	ContextPrincipalIDKey = "principalID"
	ContextRealmKey       = "realm"
	ContextSessionIDKey   = "sessionID"
)

// SessionCookieName возвращает имя сессионной cookie realm'а.
// Раздельные имена позволяют держать сессии всех трёх realm'ов в одном
// браузере одновременно.
func SessionCookieName(realm string) string {
	switch realm {
	case models.RealmService:
		return "cs_session_id"
	case models.RealmAdmin:
		return "admin_session_id"
	default:
		return "session_id"
	}
}

// ExtractSessionID достаёт id сессии из cookie либо из заголовка
// Authorization (Bearer) для неброузерных клиентов.
func ExtractSessionID(c *gin.Context, realm string) string {
	if id, err := c.Cookie(SessionCookieName(realm)); err == nil && id != "" {
		return id
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RequestFingerprint строит отпечаток устройства из заголовков запроса.
func RequestFingerprint(c *gin.Context) string {
	return session.Fingerprint(
		c.GetHeader("User-Agent"),
		c.GetHeader("Accept-Language"),
		c.GetHeader("Accept-Encoding"),
	)
}

// PrincipalGuard проверяет, что принципал всё ещё допущен к системе.
// Бан и приостановка действуют на каждый запрос, а не только на вход.
type PrincipalGuard interface {
	CheckActive(ctx context.Context, principalID, realm string) error
}

// AuthGate проверяет сессию указанного realm'а. Сессия ищется в KV,
// отпечаток устройства сверяется с сохранённым, активность обновляется.
func AuthGate(sessions *session.Store, guard PrincipalGuard, realm string) gin.HandlerFunc {
	return AuthGateAny(sessions, guard, realm)
}

// AuthGateAny принимает сессию любого из перечисленных realm'ов.
// Используется на маршрутах, общих для пользователей и поддержки.
func AuthGateAny(sessions *session.Store, guard PrincipalGuard, realms ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		fp := RequestFingerprint(c)
		for _, realm := range realms {
			sessionID := ExtractSessionID(c, realm)
			if sessionID == "" {
				continue
			}
			info, err := sessions.GetSession(c.Request.Context(), sessionID, realm, fp, true)
			if err != nil || info == nil {
				continue
			}
			if guard != nil {
				if err := guard.CheckActive(c.Request.Context(), info.PrincipalID, realm); err != nil {
					if apperror.IsForbidden(err) {
						c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account is not available"})
					} else {
						c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
					}
					return
				}
			}
			c.Set(ContextPrincipalIDKey, info.PrincipalID)
			c.Set(ContextRealmKey, realm)
			c.Set(ContextSessionIDKey, info.SessionID)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
}
