package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/repository"
)

// AgreementRequest: заявка арендатора на договор.
type AgreementRequest struct {
	TenantID     uuid.UUID
	LandlordID   uuid.UUID
	PropertyID   uuid.UUID
	LeaseStart   time.Time
	LeaseEnd     time.Time
	DepositCents int64
}

// AgreementService ведёт договор от заявки до одобрения; escrow создаётся при одобрении.
type AgreementService struct {
	ledger   repository.Ledger
	audit    *AuditRecorder
	notifier Notifier
	now      func() time.Time
}

func NewAgreementService(ledger repository.Ledger, audit *AuditRecorder, notifier Notifier) *AgreementService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &AgreementService{ledger: ledger, audit: audit, notifier: notifier, now: time.Now}
}

// RequestAgreement создаёт договор в статусе pending.
func (s *AgreementService) RequestAgreement(ctx context.Context, req AgreementRequest) (*models.Agreement, error) {
	deposit, err := valueobject.NewDeposit(req.DepositCents)
	if err != nil {
		return nil, err
	}
	if req.TenantID == uuid.Nil || req.LandlordID == uuid.Nil || req.PropertyID == uuid.Nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "не указаны стороны договора или объект")
	}
	if req.TenantID == req.LandlordID {
		return nil, apperror.New(apperror.ErrCodeValidation, "арендатор и арендодатель должны различаться")
	}
	if !req.LeaseEnd.After(req.LeaseStart) {
		return nil, apperror.New(apperror.ErrCodeValidation, "дата окончания аренды должна быть позже даты начала")
	}

	agreement := &models.Agreement{
		TenantID:     req.TenantID,
		LandlordID:   req.LandlordID,
		PropertyID:   req.PropertyID,
		LeaseStart:   req.LeaseStart,
		LeaseEnd:     req.LeaseEnd,
		DepositCents: deposit,
		Status:       valueobject.AgreementStatusPending,
	}
	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		if err := tx.CreateAgreement(ctx, agreement); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, req.TenantID, models.AuditAgreementRequested, models.EntityAgreement, agreement.ID, map[string]any{
			"property_id":   req.PropertyID.String(),
			"deposit_cents": int64(deposit),
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"agreement_id": agreement.ID,
		"tenant_id":    agreement.TenantID,
		"landlord_id":  agreement.LandlordID,
	}).Info("создана заявка на договор")
	dispatch(s.notifier, notification{userIDs: []uuid.UUID{agreement.LandlordID}, event: models.AuditAgreementRequested, data: agreement})
	return agreement, nil
}

// ApproveAgreement активирует договор и создаёт escrow в статусе unpaid.
func (s *AgreementService) ApproveAgreement(ctx context.Context, agreementID, landlordID uuid.UUID) (*models.Agreement, *models.EscrowTransaction, error) {
	var (
		agreement *models.Agreement
		escrow    *models.EscrowTransaction
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		agreement, err = s.transition(ctx, tx, agreementID, landlordID, models.PartyLandlord, valueobject.AgreementStatusActive, models.AuditAgreementApproved)
		if err != nil {
			return err
		}

		escrow = &models.EscrowTransaction{
			AgreementID: agreement.ID,
			AmountCents: agreement.DepositCents,
			Status:      valueobject.EscrowStatusUnpaid,
		}
		if err := tx.CreateEscrow(ctx, escrow); err != nil {
			return err
		}
		event := models.EscrowEvent{
			Event:     models.EscrowEventCreated,
			Metadata:  map[string]any{"amount_cents": int64(escrow.AmountCents)},
			CreatedAt: s.now(),
		}
		if err := tx.AppendEscrowEvent(ctx, escrow.ID, event); err != nil {
			return err
		}
		escrow.Events = append(escrow.Events, event)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logger.WithEscrow(escrow.ID, agreement.ID).Info("договор одобрен, escrow создан")
	dispatch(s.notifier, partiesNotification(agreement, models.AuditAgreementApproved, agreement))
	return agreement, escrow, nil
}

// RejectAgreement отклоняет заявку арендодателем.
func (s *AgreementService) RejectAgreement(ctx context.Context, agreementID, landlordID uuid.UUID) (*models.Agreement, error) {
	return s.close(ctx, agreementID, landlordID, models.PartyLandlord, models.AuditAgreementRejected)
}

// CancelAgreement отзывает заявку арендатором.
func (s *AgreementService) CancelAgreement(ctx context.Context, agreementID, tenantID uuid.UUID) (*models.Agreement, error) {
	return s.close(ctx, agreementID, tenantID, models.PartyTenant, models.AuditAgreementCancelled)
}

func (s *AgreementService) close(ctx context.Context, agreementID, actorID uuid.UUID, party models.Party, action string) (*models.Agreement, error) {
	var agreement *models.Agreement
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		agreement, err = s.transition(ctx, tx, agreementID, actorID, party, valueobject.AgreementStatusCancelled, action)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{"agreement_id": agreementID, "action": action}).Info("договор закрыт")
	dispatch(s.notifier, partiesNotification(agreement, action, agreement))
	return agreement, nil
}

// transition проверяет роль стороны и переводит pending договор в next.
func (s *AgreementService) transition(ctx context.Context, tx repository.LedgerTx, agreementID, actorID uuid.UUID, party models.Party, next valueobject.AgreementStatus, action string) (*models.Agreement, error) {
	agreement, err := tx.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if models.PartyOf(agreement, actorID) != party {
		return nil, apperror.Newf(apperror.ErrCodeForbidden, "действие доступно только стороне %s", party)
	}
	if agreement.Status != valueobject.AgreementStatusPending || !agreement.Status.CanTransitionTo(next) {
		return nil, apperror.Newf(apperror.ErrCodeInvalidState, "договор в статусе %s нельзя перевести в %s", agreement.Status, next)
	}
	if err := tx.UpdateAgreementStatus(ctx, agreementID, next); err != nil {
		return nil, err
	}
	agreement.Status = next
	agreement.UpdatedAt = s.now()

	if err := s.audit.Record(ctx, tx, actorID, action, models.EntityAgreement, agreementID, map[string]any{
		"status": string(next),
	}); err != nil {
		return nil, err
	}
	return agreement, nil
}

// GetAgreement возвращает договор стороне или администратору.
func (s *AgreementService) GetAgreement(ctx context.Context, agreementID uuid.UUID, actor Actor) (*models.Agreement, error) {
	var agreement *models.Agreement
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		a, err := tx.GetAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(a, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}
		agreement = a
		return nil
	})
	return agreement, err
}
