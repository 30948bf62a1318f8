package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/http/middleware"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

// currentPrincipalID возвращает id принципала, положенный AuthGate.
func currentPrincipalID(c *gin.Context) string {
	return c.GetString(middleware.ContextPrincipalIDKey)
}

// currentSessionID возвращает id текущей сессии.
func currentSessionID(c *gin.Context) string {
	return c.GetString(middleware.ContextSessionIDKey)
}

// currentRealm возвращает realm текущей сессии.
func currentRealm(c *gin.Context) string {
	return c.GetString(middleware.ContextRealmKey)
}

// isServiceRealm сообщает, что запрос пришёл из realm'а поддержки.
func isServiceRealm(c *gin.Context) bool {
	return currentRealm(c) == models.RealmService
}

// fail отдаёт ошибку центральному обработчику.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
}

// idParam разбирает числовой path-параметр.
func idParam(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.New(apperror.ErrCodeBadRequest, "invalid "+name)
	}
	return id, nil
}

// pagination разбирает limit/offset из query с ограничением сверху.
func pagination(c *gin.Context, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
