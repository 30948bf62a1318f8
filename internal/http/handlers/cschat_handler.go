package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/service"
)

// CSChatHandler — чат со службой поддержки: очередь, сообщения,
// завершение.
type CSChatHandler struct {
	cschat *service.CSChatService
}

// NewCSChatHandler создаёт хэндлер.
func NewCSChatHandler(cschat *service.CSChatService) *CSChatHandler {
	return &CSChatHandler{cschat: cschat}
}

// Request обрабатывает POST /cs/chats: ставит пользователя в очередь
// либо возвращает уже открытый чат.
func (h *CSChatHandler) Request(c *gin.Context) {
	chat, queued, err := h.cschat.RequestChat(c.Request.Context(), currentPrincipalID(c))
	if err != nil {
		fail(c, err)
		return
	}
	if chat != nil {
		c.JSON(http.StatusOK, gin.H{"chat": chat})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queue": queued})
}

// Estimate обрабатывает GET /cs/queue/estimate.
func (h *CSChatHandler) Estimate(c *gin.Context) {
	seconds, err := h.cschat.EstimatedWaitSeconds(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimated_wait_seconds": seconds})
}

// Send обрабатывает POST /cs/chats/:id/messages.
func (h *CSChatHandler) Send(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "content is required"))
		return
	}

	msg, err := h.cschat.SendMessage(c.Request.Context(), currentPrincipalID(c), chatID, req.Content, isServiceRealm(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// List обрабатывает GET /cs/chats/:id/messages.
func (h *CSChatHandler) List(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	limit, offset := pagination(c, 50, 200)

	messages, err := h.cschat.ListMessages(c.Request.Context(), currentPrincipalID(c), chatID, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// End обрабатывает POST /cs/chats/:id/end.
func (h *CSChatHandler) End(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.cschat.EndChat(c.Request.Context(), currentPrincipalID(c), chatID, req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}
