package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/dto"
	"github.com/ignatzorin/rental-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/service"
)

type EscrowHandler struct {
	escrows  *service.EscrowService
	executor *service.PayoutExecutor
}

func NewEscrowHandler(escrows *service.EscrowService, executor *service.PayoutExecutor) *EscrowHandler {
	return &EscrowHandler{escrows: escrows, executor: executor}
}

type escrowFunc func(ctx context.Context, agreementID, actorID uuid.UUID) (*models.EscrowTransaction, error)

// Get GET /api/agreements/:id/escrow
func (h *EscrowHandler) Get(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	agreementID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	escrow, err := h.escrows.GetEscrow(c.Request.Context(), agreementID, actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, escrow)
}

// RequestRelease POST /api/agreements/:id/escrow/release-request
func (h *EscrowHandler) RequestRelease(c *gin.Context) {
	h.transition(c, h.escrows.RequestRelease)
}

// ConfirmRelease POST /api/agreements/:id/escrow/release-confirm
func (h *EscrowHandler) ConfirmRelease(c *gin.Context) {
	h.transition(c, h.escrows.ConfirmRelease)
}

func (h *EscrowHandler) transition(c *gin.Context, op escrowFunc) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	agreementID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	escrow, err := op(c.Request.Context(), agreementID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, escrow)
}

// LockDeposit POST /api/admin/agreements/:id/lock
// Ручная блокировка депозита оператором, например при сбое доставки webhook.
func (h *EscrowHandler) LockDeposit(c *gin.Context) {
	agreementID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req struct {
		PayerID uuid.UUID `json:"payer_id" binding:"required"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	escrow, err := h.escrows.LockDeposit(c.Request.Context(), agreementID, req.PayerID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, escrow)
}

// ExecutePayout POST /api/admin/escrows/:id/payout
func (h *EscrowHandler) ExecutePayout(c *gin.Context) {
	escrowID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	escrow, err := h.executor.ExecutePayout(c.Request.Context(), escrowID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, escrow)
}

// PaymentWebhook POST /api/webhooks/payments
func (h *EscrowHandler) PaymentWebhook(c *gin.Context) {
	var req dto.PaymentWebhookRequest
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	escrow, replay, err := h.escrows.HandlePaymentWebhook(c.Request.Context(), service.PaymentWebhook{
		EventID:     req.EventID,
		AgreementID: req.AgreementID,
		PayerID:     req.PayerID,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.WebhookResponse{Escrow: escrow, Replay: replay})
}
