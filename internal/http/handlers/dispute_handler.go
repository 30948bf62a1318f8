package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/service"
)

// DisputeHandler — открытие споров пользователями и разбор админами.
type DisputeHandler struct {
	disputes *service.DisputeService
}

// NewDisputeHandler создаёт хэндлер.
func NewDisputeHandler(disputes *service.DisputeService) *DisputeHandler {
	return &DisputeHandler{disputes: disputes}
}

// Open обрабатывает POST /tasks/:id/dispute (автор задачи).
func (h *DisputeHandler) Open(c *gin.Context) {
	taskID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "reason is required"))
		return
	}

	dispute, err := h.disputes.OpenDispute(c.Request.Context(), currentPrincipalID(c), taskID, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// List обрабатывает GET /admin/disputes.
func (h *DisputeHandler) List(c *gin.Context) {
	limit, offset := pagination(c, 20, 100)
	disputes, err := h.disputes.ListDisputes(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// Get обрабатывает GET /admin/disputes/:id.
func (h *DisputeHandler) Get(c *gin.Context) {
	disputeID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	dispute, err := h.disputes.GetDispute(c.Request.Context(), disputeID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// Resolve обрабатывает POST /admin/disputes/:id/resolve.
func (h *DisputeHandler) Resolve(c *gin.Context) {
	disputeID, err := idParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		ResolutionType string           `json:"resolution_type" binding:"required"`
		Note           string           `json:"note"`
		RefundAmount   *decimal.Decimal `json:"refund_amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.New(apperror.ErrCodeBadRequest, "resolution_type is required"))
		return
	}

	err = h.disputes.ResolveDispute(c.Request.Context(), currentPrincipalID(c), disputeID,
		req.ResolutionType, req.Note, req.RefundAmount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
