package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/rental-escrow/internal/dto"
	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
)

const internalMessage = "внутренняя ошибка сервера"

// ErrorHandler превращает ошибки из c.Errors в ответ {"error", "code"}.
// Доменные ошибки отдаются как есть, ошибки инфраструктуры маскируются.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			appErr = apperror.Wrap(err, apperror.ErrCodeInternal, internalMessage)
		}

		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}

		entry := logger.Log.WithFields(logrus.Fields{
			"error":  err.Error(),
			"code":   appErr.Code,
			"path":   c.FullPath(),
			"method": c.Request.Method,
		})

		message := appErr.Message
		if status >= http.StatusInternalServerError {
			entry.Error("ошибка обработки запроса")
			if appErr.Code == apperror.ErrCodeInternal || appErr.Code == apperror.ErrCodeDatabaseError {
				message = internalMessage
			}
		} else {
			entry.Info("запрос отклонён")
		}

		c.JSON(status, dto.ErrorResponse{Error: message, Code: string(appErr.Code)})
	}
}
