package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/rental-escrow/internal/dto"
	"github.com/ignatzorin/rental-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/service"
)

type AuditHandler struct {
	audit *service.AuditRecorder
}

func NewAuditHandler(audit *service.AuditRecorder) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// AgreementTrail GET /api/agreements/:id/audit
func (h *AuditHandler) AgreementTrail(c *gin.Context) {
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

	entries, err := h.audit.AgreementTrail(c.Request.Context(), agreementID, actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList[models.AuditEntry](entries))
}

// EntityTrail GET /api/admin/audit/:id
func (h *AuditHandler) EntityTrail(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	entityID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	entries, err := h.audit.EntityTrail(c.Request.Context(), entityID, actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList[models.AuditEntry](entries))
}
