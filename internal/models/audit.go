package models

import (
	"time"

	"github.com/google/uuid"
)

// Действия журнала аудита
const (
	AuditAgreementRequested = "agreement_requested"
	AuditAgreementApproved  = "agreement_approved"
	AuditAgreementRejected  = "agreement_rejected"
	AuditAgreementCancelled = "agreement_cancelled"
	AuditDepositLocked      = "deposit_locked"
	AuditReleaseRequested   = "release_requested"
	AuditReleaseConfirmed   = "release_confirmed"
	AuditDisputeCreated     = "dispute_created"
	AuditAIReviewCompleted  = "ai_review_completed"
	AuditAIReviewFailed     = "ai_review_failed"
	AuditDisputeResolved    = "dispute_resolved"
	AuditDisputeRejected    = "dispute_rejected"
	AuditReputationChanged  = "reputation_changed"
	AuditPayoutQueued       = "payout_queued"
	AuditEscrowReleased     = "escrow_released"
	AuditEvidenceUploaded   = "evidence_uploaded"
)

// Типы сущностей в аудите
const (
	EntityAgreement = "agreement"
	EntityEscrow    = "escrow"
	EntityDispute   = "dispute"
	EntityEvidence  = "evidence"
	EntityUser      = "user"
)

// AuditEntry: неизменяемая запись журнала аудита.
type AuditEntry struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	ActorID    uuid.UUID      `db:"actor_id" json:"actor_id"`
	Action     string         `db:"action" json:"action"`
	EntityType string         `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID      `db:"entity_id" json:"entity_id"`
	Metadata   map[string]any `db:"-" json:"metadata,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// SystemActor используется для действий фоновых процессов.
var SystemActor = uuid.Nil
