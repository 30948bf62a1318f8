package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/service"
)

// ChatHandler — HTTP фолбэк чата задач: отправка и чтение сообщений
// доступны и без WebSocket соединения.
type ChatHandler struct {
	chat *service.ChatService
}

// NewChatHandler создаёт хэндлер.
func NewChatHandler(chat *service.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// Send обрабатывает POST /tasks/:id/messages.
func (h *ChatHandler) Send(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		ReceiverID string             `json:"receiver_id" binding:"required"`
		Content    string             `json:"content"`
		ImageID    *string            `json:"image_id"`
		Meta       models.MessageMeta `json:"meta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "receiver_id is required"))
		return
	}

	msg, err := h.chat.SendMessage(c.Request.Context(), currentPrincipalID(c), taskID,
		req.ReceiverID, req.Content, req.ImageID, req.Meta)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// List обрабатывает GET /tasks/:id/messages.
func (h *ChatHandler) List(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	limit, offset := pagination(c, 50, 200)

	messages, err := h.chat.ListMessages(c.Request.Context(), currentPrincipalID(c), taskID, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// MarkRead обрабатывает POST /tasks/:id/messages/read.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		UptoMessageID int64 `json:"upto_message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "upto_message_id is required"))
		return
	}

	if err := h.chat.MarkRead(c.Request.Context(), currentPrincipalID(c), taskID, req.UptoMessageID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UnreadCount обрабатывает GET /tasks/:id/messages/unread/count.
func (h *ChatHandler) UnreadCount(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	count, err := h.chat.UnreadCount(c.Request.Context(), currentPrincipalID(c), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}
