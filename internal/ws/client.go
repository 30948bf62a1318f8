package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

const (
	writeWait      = 10 * time.Second
	heartbeatEvery = 30 * time.Second
	pongWait       = heartbeatEvery * 2
	maxMessageSize = 512 * 1024
)

// InboundEnvelope — входящий конверт. chat_id направляет сообщение в
// чат поддержки, иначе это сообщение чата задачи.
type InboundEnvelope struct {
	ReceiverID string             `json:"receiver_id"`
	Content    string             `json:"content"`
	ChatID     *int64             `json:"chat_id,omitempty"`
	TaskID     *int64             `json:"task_id,omitempty"`
	ImageID    *string            `json:"image_id,omitempty"`
	Meta       models.MessageMeta `json:"meta,omitempty"`
}

// Client — одно WebSocket-соединение аутентифицированного принципала.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	userID    string
	isService bool
	send      chan []byte
}

// NewClient создаёт нового клиента.
func NewClient(conn *websocket.Conn, hub *Hub, userID string, isService bool) *Client {
	return &Client{
		conn:      conn,
		hub:       hub,
		userID:    userID,
		isService: isService,
		send:      make(chan []byte, 16),
	}
}

// Run запускает обработку входящих и исходящих сообщений; блокируется
// до разрыва соединения.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// Close закрывает соединение и снимает клиента с учёта.
func (c *Client) Close() {
	c.hub.Unregister(c)
	_ = c.conn.Close()
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Log.WithField("user_id", c.userID).WithError(err).Debug("ws: соединение оборвано")
				}
				return
			}
			c.handleInbound(ctx, raw)
		}
	}
}

// handleInbound сохраняет входящее сообщение через доменный сервис и
// шлёт отправителю подтверждение с серверным id и временем.
func (c *Client) handleInbound(ctx context.Context, raw []byte) {
	var env InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("malformed envelope")
		return
	}

	if env.ChatID != nil {
		msg, err := c.hub.csChat.SendMessage(ctx, c.userID, *env.ChatID, env.Content, c.isService)
		if err != nil {
			c.sendError(errorMessage(err))
			return
		}
		c.sendAck(msg.ID, msg.CreatedAt)
		return
	}

	if env.TaskID == nil {
		c.sendError("task_id or chat_id is required")
		return
	}
	msg, err := c.hub.taskChat.SendMessage(ctx, c.userID, *env.TaskID, env.ReceiverID, env.Content, env.ImageID, env.Meta)
	if err != nil {
		c.sendError(errorMessage(err))
		return
	}
	c.sendAck(msg.ID, msg.CreatedAt)
}

func errorMessage(err error) string {
	if appErr, ok := apperror.As(err); ok {
		return appErr.Message
	}
	return "internal error"
}

func (c *Client) sendAck(messageID int64, createdAt time.Time) {
	raw, _ := json.Marshal(map[string]interface{}{
		"type": "ack",
		"data": map[string]interface{}{
			"message_id": messageID,
			"created_at": createdAt,
		},
	})
	c.enqueue(raw)
}

func (c *Client) sendError(message string) {
	raw, _ := json.Marshal(map[string]interface{}{
		"type": "error",
		"data": map[string]string{"message": message},
	})
	c.enqueue(raw)
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
