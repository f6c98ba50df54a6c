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

type closeFunc func(ctx context.Context, agreementID, userID uuid.UUID) (*models.Agreement, error)

type AgreementHandler struct {
	agreements *service.AgreementService
}

func NewAgreementHandler(agreements *service.AgreementService) *AgreementHandler {
	return &AgreementHandler{agreements: agreements}
}

// Create POST /api/agreements
func (h *AgreementHandler) Create(c *gin.Context) {
	tenantID, err := common.CurrentUserID(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req dto.CreateAgreementRequest
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	agreement, err := h.agreements.RequestAgreement(c.Request.Context(), service.AgreementRequest{
		TenantID:     tenantID,
		LandlordID:   req.LandlordID,
		PropertyID:   req.PropertyID,
		LeaseStart:   req.LeaseStart,
		LeaseEnd:     req.LeaseEnd,
		DepositCents: req.DepositCents,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, agreement)
}

// Get GET /api/agreements/:id
func (h *AgreementHandler) Get(c *gin.Context) {
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

	agreement, err := h.agreements.GetAgreement(c.Request.Context(), agreementID, actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agreement)
}

// Approve POST /api/agreements/:id/approve
func (h *AgreementHandler) Approve(c *gin.Context) {
	landlordID, err := common.CurrentUserID(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	agreementID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	agreement, escrow, err := h.agreements.ApproveAgreement(c.Request.Context(), agreementID, landlordID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ApproveAgreementResponse{Agreement: agreement, Escrow: escrow})
}

// Reject POST /api/agreements/:id/reject
func (h *AgreementHandler) Reject(c *gin.Context) {
	h.close(c, h.agreements.RejectAgreement)
}

// Cancel POST /api/agreements/:id/cancel
func (h *AgreementHandler) Cancel(c *gin.Context) {
	h.close(c, h.agreements.CancelAgreement)
}

func (h *AgreementHandler) close(c *gin.Context, op closeFunc) {
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

	agreement, err := op(c.Request.Context(), agreementID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agreement)
}
