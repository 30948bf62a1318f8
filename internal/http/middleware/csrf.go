package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CSRFCookieName — cookie с CSRF токеном (доступна скрипту фронтенда).
const CSRFCookieName = "csrf_token"

// CSRFHeaderName — заголовок, в котором фронтенд дублирует токен.
const CSRFHeaderName = "X-CSRF-Token"

// CSRF реализует double-submit cookie: на мутирующих запросах значение
// cookie должно совпасть со значением заголовка. Безопасные методы
// пропускаются без проверки.
func CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		cookie, err := c.Cookie(CSRFCookieName)
		header := c.GetHeader(CSRFHeaderName)
		if err != nil || cookie == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "CSRF token mismatch"})
			return
		}
		c.Next()
	}
}
