package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/http/middleware"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/scheduler"
	"github.com/unitask/unitask-backend/internal/service"
)

// AdminHandler — служебные операции админ-панели: режим обслуживания,
// счётчики фоновых задач, принудительная отмена задач.
type AdminHandler struct {
	tasks    *service.TaskService
	sched    *scheduler.Scheduler
	readOnly *middleware.ReadOnlyFlag
}

// NewAdminHandler создаёт хэндлер.
func NewAdminHandler(tasks *service.TaskService, sched *scheduler.Scheduler, readOnly *middleware.ReadOnlyFlag) *AdminHandler {
	return &AdminHandler{tasks: tasks, sched: sched, readOnly: readOnly}
}

// SetReadOnly обрабатывает POST /admin/system/read-only.
func (h *AdminHandler) SetReadOnly(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "enabled is required"))
		return
	}

	h.readOnly.Set(*req.Enabled)
	logger.Log.WithField("enabled", *req.Enabled).Warn("режим обслуживания переключён")
	c.JSON(http.StatusOK, gin.H{"read_only": h.readOnly.Enabled()})
}

// JobStats обрабатывает GET /admin/jobs.
func (h *AdminHandler) JobStats(c *gin.Context) {
	if h.sched == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []scheduler.JobStats{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.sched.Stats()})
}

// CancelTask обрабатывает POST /admin/tasks/:id/cancel: отмена без
// ограничений статусной матрицы пользователя.
func (h *AdminHandler) CancelTask(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.tasks.CancelTask(c.Request.Context(), currentPrincipalID(c), true, taskID, req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
