package middleware

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/rental-escrow/internal/dto"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthMiddleware(t *testing.T) {
	tokens := service.NewTokenManager("secret", time.Minute)
	userID := uuid.New()

	r := gin.New()
	r.GET("/me", AuthMiddleware(tokens), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.MustGet(ContextUserIDKey).(uuid.UUID).String(),
			"role":    c.GetString(ContextRoleKey),
		})
	})

	valid, err := tokens.GenerateAccess(userID, service.RoleTenant)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, string(apperror.ErrCodeUnauthorized), decodeError(t, w).Code)
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, userID.String(), body["user_id"])
			assert.Equal(t, service.RoleTenant, body["role"])
		})
	}
}

func TestRequireRole(t *testing.T) {
	withRole := func(role string) gin.HandlerFunc {
		return func(c *gin.Context) { c.Set(ContextRoleKey, role) }
	}
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }

	r := gin.New()
	r.GET("/tenant", withRole(service.RoleTenant), RequireRole(service.RoleAdmin), ok)
	r.GET("/admin", withRole(service.RoleAdmin), RequireRole(service.RoleAdmin), ok)
	r.GET("/landlord", withRole(service.RoleLandlord), RequireRole(service.RoleTenant, service.RoleLandlord), ok)

	for path, status := range map[string]int{
		"/tenant":   http.StatusForbidden,
		"/admin":    http.StatusNoContent,
		"/landlord": http.StatusNoContent,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, status, w.Code, path)
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    apperror.ErrorCode
		message string
	}{
		{"not found", apperror.ErrDisputeNotFound, http.StatusNotFound, apperror.ErrCodeNotFound, apperror.ErrDisputeNotFound.Message},
		{"conflict", apperror.ErrAlreadyConfirmed, http.StatusConflict, apperror.ErrCodeConflict, apperror.ErrAlreadyConfirmed.Message},
		{"integrity", apperror.ErrIntegrityViolation, http.StatusUnprocessableEntity, apperror.ErrCodeIntegrity, apperror.ErrIntegrityViolation.Message},
		{"review failed", apperror.Wrap(errors.New("timeout"), apperror.ErrCodeReviewFailed, "ai"), http.StatusBadGateway, apperror.ErrCodeReviewFailed, "ai"},
		{"settlement failed", apperror.Wrap(errors.New("bank down"), apperror.ErrCodeSettlementFailed, "перевод"), http.StatusBadGateway, apperror.ErrCodeSettlementFailed, "перевод"},
		{"database masked", apperror.New(apperror.ErrCodeDatabaseError, "pq: relation missing"), http.StatusInternalServerError, apperror.ErrCodeDatabaseError, internalMessage},
		{"plain error masked", errors.New("nil pointer"), http.StatusInternalServerError, apperror.ErrCodeInternal, internalMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ErrorHandler())
			r.GET("/x", func(c *gin.Context) { _ = c.Error(tt.err) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

			require.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, string(tt.code), resp.Code)
			assert.Equal(t, tt.message, resp.Error)
		})
	}
}

func TestErrorHandler_KeepsWrittenResponse(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/x", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
		_ = c.Error(errors.New("late"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestWebhookSignature(t *testing.T) {
	const secret = "whsec"
	body := `{"event_id":"evt_1"}`

	r := gin.New()
	r.POST("/hook", WebhookSignature(secret), func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		c.String(http.StatusOK, string(raw))
	})

	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
		if signature != "" {
			req.Header.Set(SignatureHeader, signature)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send(hex.EncodeToString(Sign([]byte(secret), []byte(body))))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String())

	for name, sig := range map[string]string{
		"missing":    "",
		"not hex":    "zz",
		"wrong key":  hex.EncodeToString(Sign([]byte("other"), []byte(body))),
		"wrong body": hex.EncodeToString(Sign([]byte(secret), []byte(`{}`))),
	} {
		w := send(sig)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}

func TestUUIDValidator(t *testing.T) {
	r := gin.New()
	r.GET("/disputes/:id", UUIDValidator("id"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/disputes/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/disputes/42", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperror.ErrCodeValidation), decodeError(t, w).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/x", RateLimitMiddleware(2, time.Minute), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
