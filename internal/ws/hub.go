package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
)

// TaskChatSender — порт чата задач (реализуется сервисом чата).
type TaskChatSender interface {
	SendMessage(ctx context.Context, senderID string, taskID int64, receiverID, content string, imageID *string, meta models.MessageMeta) (*models.Message, error)
}

// CSChatSender — порт чата поддержки.
type CSChatSender interface {
	SendMessage(ctx context.Context, senderID string, chatID int64, content string, isService bool) (*models.CustomerServiceMessage, error)
}

// Hub — процесс-локальный реестр user_id → соединения. При нескольких
// репликах реестр не разделяется: промах доставки компенсируют
// уведомления и поллинг.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	taskChat TaskChatSender
	csChat   CSChatSender
}

type outbound struct {
	userID  string
	payload []byte
}

// NewHub создаёт новый хаб.
func NewHub(taskChat TaskChatSender, csChat CSChatSender) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 64),
		taskChat:   taskChat,
		csChat:     csChat,
	}
}

// SetSenders подключает чатовые сервисы после создания хаба. Хаб нужен
// сервисам как Pusher, поэтому собирается раньше них.
func (h *Hub) SetSenders(taskChat TaskChatSender, csChat CSChatSender) {
	h.taskChat = taskChat
	h.csChat = csChat
}

// Run запускает главный цикл хаба.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.send(msg.userID, msg.payload)
		}
	}
}

// Register добавляет клиента.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister удаляет клиента.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// PushToUser отправляет событие всем соединениям пользователя.
// Доставка best-effort: офлайн-пользователь события не получит.
func (h *Hub) PushToUser(userID string, event string, payload interface{}) {
	frame := map[string]interface{}{
		"type": event,
		"data": payload,
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		logger.Log.WithError(err).Error("ws: не удалось сериализовать событие")
		return
	}
	select {
	case h.broadcast <- outbound{userID: userID, payload: raw}:
	default:
		logger.Log.WithField("user_id", userID).Warn("ws: очередь рассылки переполнена, событие потеряно")
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.userID]; !ok {
		h.clients[client.userID] = make(map[*Client]struct{})
	}
	h.clients[client.userID][client] = struct{}{}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.userID)
		}
	}
}

func (h *Hub) send(userID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
			go client.Close()
		}
	}
}
