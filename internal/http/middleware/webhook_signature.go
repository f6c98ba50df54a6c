package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
)

const (
	SignatureHeader     = "X-Signature"
	maxWebhookBodyBytes = 64 * 1024
)

// WebhookSignature проверяет HMAC-SHA256 тела запроса платёжного провайдера.
func WebhookSignature(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
		if err != nil {
			abort(c, http.StatusBadRequest, apperror.New(apperror.ErrCodeValidation, "не удалось прочитать тело запроса"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		got, err := hex.DecodeString(c.GetHeader(SignatureHeader))
		if err != nil || !hmac.Equal(got, Sign(key, body)) {
			abort(c, http.StatusUnauthorized, apperror.New(apperror.ErrCodeUnauthorized, "подпись webhook невалидна"))
			return
		}
		c.Next()
	}
}

// Sign вычисляет подпись тела webhook.
func Sign(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}
