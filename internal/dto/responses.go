package dto

import (
	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/models"
)

// ErrorResponse: стандартный ответ с ошибкой.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ApproveAgreementResponse возвращается при одобрении договора вместе с созданным escrow.
type ApproveAgreementResponse struct {
	Agreement *models.Agreement         `json:"agreement"`
	Escrow    *models.EscrowTransaction `json:"escrow"`
}

// WebhookResponse сообщает, было ли событие уже обработано ранее.
type WebhookResponse struct {
	Escrow *models.EscrowTransaction `json:"escrow"`
	Replay bool                      `json:"replay"`
}

type ReputationResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Score  int       `json:"score"`
}

// ListResponse: обёртка для коллекций.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func NewList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Total: len(items)}
}
