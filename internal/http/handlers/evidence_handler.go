package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/rental-escrow/internal/dto"
	"github.com/ignatzorin/rental-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/service"
)

// EvidenceHandler принимает фото и документы сторон договора.
type EvidenceHandler struct {
	evidence       *service.EvidenceService
	maxUploadBytes int64
}

func NewEvidenceHandler(evidence *service.EvidenceService, maxUploadMB int64) *EvidenceHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	return &EvidenceHandler{evidence: evidence, maxUploadBytes: maxUploadMB << 20}
}

// Upload POST /api/agreements/:id/evidence (multipart: type, file)
func (h *EvidenceHandler) Upload(c *gin.Context) {
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

	// Запас на служебные части multipart
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)

	file, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, apperror.New(apperror.ErrCodeValidation, "поле file обязательно"))
		return
	}
	if file.Size > h.maxUploadBytes {
		common.Fail(c, apperror.Newf(apperror.ErrCodeValidation, "файл больше %d МБ", h.maxUploadBytes>>20))
		return
	}

	src, err := file.Open()
	if err != nil {
		common.Fail(c, apperror.Wrap(err, apperror.ErrCodeValidation, "не удалось прочитать файл"))
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		common.Fail(c, apperror.Wrap(err, apperror.ErrCodeValidation, "не удалось прочитать файл"))
		return
	}

	evidence, err := h.evidence.Upload(c.Request.Context(), service.EvidenceUpload{
		AgreementID: agreementID,
		UploaderID:  userID,
		Type:        c.PostForm("type"),
		Data:        data,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, evidence)
}

// List GET /api/agreements/:id/evidence
func (h *EvidenceHandler) List(c *gin.Context) {
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

	items, err := h.evidence.List(c.Request.Context(), agreementID, actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList[models.Evidence](items))
}

// Verify GET /api/evidence/:id/verify
func (h *EvidenceHandler) Verify(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	evidenceID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	evidence, err := h.evidence.Verify(c.Request.Context(), evidenceID, actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": evidence, "verified": true})
}

// Download GET /api/evidence/:id/file
func (h *EvidenceHandler) Download(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	evidenceID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	evidence, data, err := h.evidence.Download(c.Request.Context(), evidenceID, actor)
	if err != nil {
		common.Fail(c, err)
		return
	}
	c.Header("X-Content-SHA256", evidence.ContentHash)
	c.Data(http.StatusOK, evidence.ContentType, data)
}
