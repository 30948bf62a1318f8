package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/service"
)

// NotificationHandler — лента уведомлений пользователя.
type NotificationHandler struct {
	notifications *service.NotificationService
}

// NewNotificationHandler создаёт хэндлер.
func NewNotificationHandler(notifications *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// List обрабатывает GET /notifications.
func (h *NotificationHandler) List(c *gin.Context) {
	limit, offset := pagination(c, 20, 100)
	onlyUnread := c.Query("unread") == "true"

	items, err := h.notifications.List(c.Request.Context(), currentPrincipalID(c), onlyUnread, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

// CountUnread обрабатывает GET /notifications/unread/count.
func (h *NotificationHandler) CountUnread(c *gin.Context) {
	count, err := h.notifications.UnreadCount(c.Request.Context(), currentPrincipalID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// MarkRead обрабатывает PUT /notifications/:id/read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.notifications.MarkRead(c.Request.Context(), currentPrincipalID(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkAllRead обрабатывает PUT /notifications/read-all.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	updated, err := h.notifications.MarkAllRead(c.Request.Context(), currentPrincipalID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
