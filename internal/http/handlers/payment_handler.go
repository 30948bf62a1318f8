package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/service"
)

// PaymentHandler — оплата задач и вебхуки платёжного провайдера.
type PaymentHandler struct {
	escrow *service.EscrowService
}

// NewPaymentHandler создаёт хэндлер.
func NewPaymentHandler(escrow *service.EscrowService) *PaymentHandler {
	return &PaymentHandler{escrow: escrow}
}

// Pay обрабатывает POST /tasks/:id/pay: создаёт платёжное намерение и
// возвращает client_secret для фронтенда.
func (h *PaymentHandler) Pay(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	intent, err := h.escrow.PayTask(c.Request.Context(), currentPrincipalID(c), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_intent": intent})
}

// Webhook обрабатывает POST /stripe/webhook. Подпись проверяется по
// сырому телу, повторные доставки события дают 200 без эффекта.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "failed to read request body"))
		return
	}

	if err := h.escrow.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
