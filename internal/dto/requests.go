package dto

import (
	"time"

	"github.com/google/uuid"
)

// CreateAgreementRequest: заявка арендатора на договор аренды.
type CreateAgreementRequest struct {
	LandlordID   uuid.UUID `json:"landlord_id" binding:"required"`
	PropertyID   uuid.UUID `json:"property_id" binding:"required"`
	LeaseStart   time.Time `json:"lease_start" binding:"required"`
	LeaseEnd     time.Time `json:"lease_end" binding:"required"`
	DepositCents int64     `json:"deposit_cents" binding:"required"`
}

// PaymentWebhookRequest: уведомление платёжного провайдера о поступлении депозита.
type PaymentWebhookRequest struct {
	EventID     string    `json:"event_id" binding:"required"`
	AgreementID uuid.UUID `json:"agreement_id" binding:"required"`
	PayerID     uuid.UUID `json:"payer_id" binding:"required"`
}

type CreateDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveDisputeRequest: решение администратора. FinalPayoutPct задаёт долю арендодателя.
type ResolveDisputeRequest struct {
	FinalPayoutPct *int   `json:"final_payout_pct" binding:"required"`
	Note           string `json:"note"`
}

type RejectDisputeRequest struct {
	Note string `json:"note"`
}
