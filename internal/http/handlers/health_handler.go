package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// HealthHandler — проверка живости сервиса и его зависимостей.
type HealthHandler struct {
	db  *sqlx.DB
	rdb *redis.Client
}

// NewHealthHandler создаёт хэндлер.
func NewHealthHandler(db *sqlx.DB, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// Health обрабатывает GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = "down"
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "up"
	}

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		checks["kv"] = "down"
		status = http.StatusServiceUnavailable
	} else {
		checks["kv"] = "up"
	}

	result := "ok"
	if status != http.StatusOK {
		result = "degraded"
	}
	c.JSON(status, gin.H{"status": result, "checks": checks})
}
