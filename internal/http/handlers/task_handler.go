package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/repository"
	"github.com/unitask/unitask-backend/internal/service"
)

// TaskHandler — HTTP слой жизненного цикла задач.
type TaskHandler struct {
	tasks *service.TaskService
}

// NewTaskHandler создаёт хэндлер.
func NewTaskHandler(tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// CreateTask обрабатывает POST /tasks.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req struct {
		Title              string          `json:"title" binding:"required"`
		Description        string          `json:"description" binding:"required"`
		TaskType           string          `json:"task_type" binding:"required"`
		Location           string          `json:"location"`
		Latitude           *float64        `json:"latitude"`
		Longitude          *float64        `json:"longitude"`
		Reward             decimal.Decimal `json:"reward"`
		Currency           string          `json:"currency"`
		Deadline           *time.Time      `json:"deadline"`
		IsFlexible         bool            `json:"is_flexible"`
		Images             []string        `json:"images"`
		TaskLevel          string          `json:"task_level"`
		IsPublic           *bool           `json:"is_public"`
		IsMultiParticipant bool            `json:"is_multi_participant"`
		MaxParticipants    int             `json:"max_participants"`
		MinParticipants    int             `json:"min_participants"`
		SoldTaskID         *int64          `json:"sold_task_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "invalid request body"))
		return
	}

	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	task, err := h.tasks.CreateTask(c.Request.Context(), currentPrincipalID(c), service.CreateTaskInput{
		Title:              req.Title,
		Description:        req.Description,
		TaskType:           req.TaskType,
		Location:           req.Location,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		Reward:             req.Reward,
		Currency:           req.Currency,
		Deadline:           req.Deadline,
		IsFlexible:         req.IsFlexible,
		Images:             req.Images,
		TaskLevel:          req.TaskLevel,
		IsPublic:           isPublic,
		IsMultiParticipant: req.IsMultiParticipant,
		MaxParticipants:    req.MaxParticipants,
		MinParticipants:    req.MinParticipants,
		SoldTaskID:         req.SoldTaskID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

// GetTask обрабатывает GET /tasks/:id.
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	task, err := h.tasks.GetTask(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// ListTasks обрабатывает GET /tasks.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	limit, offset := pagination(c, 20, 100)
	tasks, err := h.tasks.ListTasks(c.Request.Context(), repository.TaskFilter{
		TaskType: c.Query("task_type"),
		Status:   c.Query("status"),
		Keyword:  c.Query("keyword"),
		PosterID: c.Query("poster_id"),
		Sort:     c.Query("sort"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// Apply обрабатывает POST /tasks/:id/applications.
func (h *TaskHandler) Apply(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		Message         string           `json:"message"`
		NegotiatedPrice *decimal.Decimal `json:"negotiated_price"`
		Currency        *string          `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "invalid request body"))
		return
	}

	app, err := h.tasks.ApplyForTask(c.Request.Context(), currentPrincipalID(c), taskID, req.Message, req.NegotiatedPrice, req.Currency)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"application": app})
}

// ListApplications обрабатывает GET /tasks/:id/applications.
func (h *TaskHandler) ListApplications(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	apps, err := h.tasks.ListApplications(c.Request.Context(), currentPrincipalID(c), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

// AcceptApplication обрабатывает POST /tasks/:id/applications/:appId/accept.
func (h *TaskHandler) AcceptApplication(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	appID, err := idParam(c, "appId")
	if err != nil {
		fail(c, err)
		return
	}

	task, err := h.tasks.AcceptApplication(c.Request.Context(), currentPrincipalID(c), taskID, appID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// CounterOffer обрабатывает POST /applications/:appId/counter-offer.
func (h *TaskHandler) CounterOffer(c *gin.Context) {
	appID, err := idParam(c, "appId")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		Price decimal.Decimal `json:"price" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "price is required"))
		return
	}

	if err := h.tasks.SendCounterOffer(c.Request.Context(), currentPrincipalID(c), appID, req.Price); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RespondToNegotiation обрабатывает POST /negotiations/respond.
// Токен одноразовый, авторизация зашита в него.
func (h *TaskHandler) RespondToNegotiation(c *gin.Context) {
	var req struct {
		Token string           `json:"token" binding:"required"`
		Price *decimal.Decimal `json:"price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "token is required"))
		return
	}

	if err := h.tasks.RespondToNegotiation(c.Request.Context(), req.Token, req.Price); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Cancel обрабатывает POST /tasks/:id/cancel.
func (h *TaskHandler) Cancel(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.tasks.CancelTask(c.Request.Context(), currentPrincipalID(c), false, taskID, req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkDone обрабатывает POST /tasks/:id/done (исполнитель).
func (h *TaskHandler) MarkDone(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.tasks.MarkDone(c.Request.Context(), currentPrincipalID(c), taskID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Confirm обрабатывает POST /tasks/:id/confirm (автор).
func (h *TaskHandler) Confirm(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.tasks.ConfirmCompletion(c.Request.Context(), currentPrincipalID(c), taskID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
