package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/unitask/unitask-backend/internal/http/middleware"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/session"
	"github.com/unitask/unitask-backend/internal/ws"
)

// WSHandler отвечает за установку WebSocket соединений.
type WSHandler struct {
	hub      *ws.Hub
	sessions *session.Store
	guard    middleware.PrincipalGuard
	upgrader websocket.Upgrader
}

// NewWSHandler создаёт новый хэндлер.
func NewWSHandler(hub *ws.Hub, sessions *session.Store, guard middleware.PrincipalGuard) *WSHandler {
	return &WSHandler{
		hub:      hub,
		sessions: sessions,
		guard:    guard,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle обслуживает GET /api/ws?realm=user|cs. Аутентификация — та же
// сессионная cookie, что и у HTTP запросов.
func (h *WSHandler) Handle(c *gin.Context) {
	realm := c.DefaultQuery("realm", models.RealmUser)
	if realm != models.RealmUser && realm != models.RealmService {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported realm"})
		return
	}

	sessionID := middleware.ExtractSessionID(c, realm)
	if sessionID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	info, err := h.sessions.GetSession(c.Request.Context(), sessionID, realm, middleware.RequestFingerprint(c), true)
	if err != nil || info == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session is invalid or expired"})
		return
	}
	if h.guard != nil {
		if err := h.guard.CheckActive(c.Request.Context(), info.PrincipalID, realm); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "account is not available"})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	client := ws.NewClient(conn, h.hub, info.PrincipalID, realm == models.RealmService)
	h.hub.Register(client)

	client.Run(c.Request.Context())
}
