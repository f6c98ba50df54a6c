package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeReviewFailed       ErrorCode = "REVIEW_FAILED"
	ErrCodePaymentNotVerified ErrorCode = "PAYMENT_NOT_VERIFIED"
	ErrCodeNotReadyForPayout  ErrorCode = "NOT_READY_FOR_PAYOUT"
	ErrCodeDisputeUnresolved  ErrorCode = "DISPUTE_UNRESOLVED"
	ErrCodeReleaseUnconfirmed ErrorCode = "RELEASE_NOT_CONFIRMED"
	ErrCodeIntegrity          ErrorCode = "INTEGRITY_VIOLATION"
	ErrCodeSettlementFailed   ErrorCode = "SETTLEMENT_FAILED"
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError: доменная ошибка со стабильным машиночитаемым кодом.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал и для копий sentinel-ошибок.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict, ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodePaymentNotVerified, ErrCodeNotReadyForPayout, ErrCodeDisputeUnresolved,
		ErrCodeReleaseUnconfirmed, ErrCodeIntegrity:
		return http.StatusUnprocessableEntity
	case ErrCodeReviewFailed, ErrCodeSettlementFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf возвращает код ошибки или ErrCodeInternal для ошибок без кода.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode проверяет код доменной ошибки в цепочке.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

func IsForbidden(err error) bool {
	return HasCode(err, ErrCodeForbidden)
}

func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidation)
}

func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}

var (
	ErrAgreementNotFound = New(ErrCodeNotFound, "договор не найден")
	ErrEscrowNotFound    = New(ErrCodeNotFound, "escrow не найден")
	ErrDisputeNotFound   = New(ErrCodeNotFound, "спор не найден")
	ErrEvidenceNotFound  = New(ErrCodeNotFound, "доказательство не найдено")
	ErrUnauthorized      = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrForbidden         = New(ErrCodeForbidden, "недостаточно прав")
	ErrNotParty          = New(ErrCodeForbidden, "пользователь не является стороной договора")

	ErrActiveDispute       = New(ErrCodeConflict, "по договору уже есть активный спор")
	ErrAlreadyConfirmed    = New(ErrCodeConflict, "сторона уже подтвердила освобождение депозита")
	ErrTxConflict          = New(ErrCodeConflict, "конкурентное изменение, повторите запрос")
	ErrReviewFailed        = New(ErrCodeReviewFailed, "AI проверка не удалась после повторной попытки")
	ErrPaymentNotVerified  = New(ErrCodePaymentNotVerified, "оплата депозита не подтверждена")
	ErrNotReadyForPayout   = New(ErrCodeNotReadyForPayout, "escrow не готов к выплате")
	ErrDisputeUnresolved   = New(ErrCodeDisputeUnresolved, "спор по договору не разрешён")
	ErrReleaseNotConfirmed = New(ErrCodeReleaseUnconfirmed, "освобождение подтверждено не обеими сторонами")
	ErrIntegrityViolation  = New(ErrCodeIntegrity, "нарушена целостность доказательства")
)
