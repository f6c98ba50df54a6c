package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
)

// UUIDValidator проверяет, что параметры пути являются валидными UUID.
// Использование: group.GET("/disputes/:id", UUIDValidator("id"), handler.GetDispute)
func UUIDValidator(paramNames ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range paramNames {
			if _, err := uuid.Parse(c.Param(name)); err != nil {
				abort(c, http.StatusBadRequest, apperror.Newf(apperror.ErrCodeValidation, "параметр %s должен быть валидным UUID", name))
				return
			}
		}
		c.Next()
	}
}
