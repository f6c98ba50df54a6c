package valueobject

import "github.com/ignatzorin/rental-escrow/internal/pkg/apperror"

type EscrowStatus string

const (
	EscrowStatusUnpaid           EscrowStatus = "unpaid"
	EscrowStatusLocked           EscrowStatus = "locked"
	EscrowStatusReleaseRequested EscrowStatus = "release_requested"
	EscrowStatusReleased         EscrowStatus = "released"
	EscrowStatusDisputed         EscrowStatus = "disputed"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowStatusUnpaid:           {EscrowStatusLocked},
	EscrowStatusLocked:           {EscrowStatusReleaseRequested, EscrowStatusDisputed},
	EscrowStatusReleaseRequested: {EscrowStatusReleased, EscrowStatusDisputed},
	// disputed -> locked допускается только при отклонении спора.
	EscrowStatusDisputed: {EscrowStatusReleased, EscrowStatusLocked},
	EscrowStatusReleased: {},
}

func (s EscrowStatus) IsValid() bool {
	_, ok := escrowTransitions[s]
	return ok
}

func (s EscrowStatus) CanTransitionTo(next EscrowStatus) bool {
	return contains(escrowTransitions[s], next)
}

// IsHeld сообщает, что средства удерживаются и спор возможен.
func (s EscrowStatus) IsHeld() bool {
	return s == EscrowStatusLocked || s == EscrowStatusReleaseRequested
}

func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased
}

func NewEscrowStatus(status string) (EscrowStatus, error) {
	s := EscrowStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус escrow")
	}
	return s, nil
}

type AgreementStatus string

const (
	AgreementStatusPending   AgreementStatus = "pending"
	AgreementStatusActive    AgreementStatus = "active"
	AgreementStatusCompleted AgreementStatus = "completed"
	AgreementStatusCancelled AgreementStatus = "cancelled"
	AgreementStatusDisputed  AgreementStatus = "disputed"
)

var agreementTransitions = map[AgreementStatus][]AgreementStatus{
	AgreementStatusPending:   {AgreementStatusActive, AgreementStatusCancelled},
	AgreementStatusActive:    {AgreementStatusDisputed, AgreementStatusCompleted},
	AgreementStatusDisputed:  {AgreementStatusCompleted, AgreementStatusActive},
	AgreementStatusCompleted: {},
	AgreementStatusCancelled: {},
}

func (s AgreementStatus) IsValid() bool {
	_, ok := agreementTransitions[s]
	return ok
}

func (s AgreementStatus) CanTransitionTo(next AgreementStatus) bool {
	return contains(agreementTransitions[s], next)
}

type DisputeStatus string

const (
	DisputeStatusOpen       DisputeStatus = "open"
	DisputeStatusAIReviewed DisputeStatus = "ai_reviewed"
	DisputeStatusResolved   DisputeStatus = "resolved"
	DisputeStatusRejected   DisputeStatus = "rejected"
)

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeStatusOpen:       {DisputeStatusAIReviewed, DisputeStatusRejected},
	DisputeStatusAIReviewed: {DisputeStatusResolved},
	DisputeStatusResolved:   {},
	DisputeStatusRejected:   {},
}

func (s DisputeStatus) IsValid() bool {
	_, ok := disputeTransitions[s]
	return ok
}

func (s DisputeStatus) CanTransitionTo(next DisputeStatus) bool {
	return contains(disputeTransitions[s], next)
}

// IsActive возвращает true для споров, блокирующих открытие нового.
func (s DisputeStatus) IsActive() bool {
	return s == DisputeStatusOpen || s == DisputeStatusAIReviewed
}

type EvidenceType string

const (
	EvidenceTypeMoveIn      EvidenceType = "move_in"
	EvidenceTypeMoveOut     EvidenceType = "move_out"
	EvidenceTypeDamageProof EvidenceType = "damage_proof"
)

func NewEvidenceType(value string) (EvidenceType, error) {
	t := EvidenceType(value)
	switch t {
	case EvidenceTypeMoveIn, EvidenceTypeMoveOut, EvidenceTypeDamageProof:
		return t, nil
	}
	return "", apperror.New(apperror.ErrCodeValidation, "некорректный тип доказательства")
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
