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
	"github.com/ignatzorin/rental-escrow/internal/validation"
)

// EscrowService реализует переходы escrow: блокировку депозита и протокол двойного подтверждения.
type EscrowService struct {
	ledger      repository.Ledger
	coordinator *ReleaseCoordinator
	audit       *AuditRecorder
	notifier    Notifier
	now         func() time.Time
}

func NewEscrowService(ledger repository.Ledger, coordinator *ReleaseCoordinator, audit *AuditRecorder, notifier Notifier) *EscrowService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &EscrowService{
		ledger:      ledger,
		coordinator: coordinator,
		audit:       audit,
		notifier:    notifier,
		now:         time.Now,
	}
}

// PaymentWebhook: подтверждение оплаты депозита от платёжного провайдера.
type PaymentWebhook struct {
	EventID     string
	AgreementID uuid.UUID
	PayerID     uuid.UUID
}

// LockDeposit переводит escrow из unpaid в locked. Повторный вызов отклоняется с InvalidState.
func (s *EscrowService) LockDeposit(ctx context.Context, agreementID, payerID uuid.UUID) (*models.EscrowTransaction, error) {
	var (
		escrow    *models.EscrowTransaction
		agreement *models.Agreement
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		escrow, agreement, err = s.loadForUpdate(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		return s.lockDepositTx(ctx, tx, escrow, agreement, payerID, "")
	})
	if err != nil {
		return nil, err
	}

	dispatch(s.notifier, partiesNotification(agreement, models.EscrowEventDepositLocked, escrow))
	return escrow, nil
}

// HandlePaymentWebhook блокирует депозит по webhook. Уже обработанный eventID
// возвращает escrow без изменений.
func (s *EscrowService) HandlePaymentWebhook(ctx context.Context, hook PaymentWebhook) (*models.EscrowTransaction, bool, error) {
	eventID, err := validation.WebhookEventID(hook.EventID)
	if err != nil {
		return nil, false, apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	var (
		escrow    *models.EscrowTransaction
		agreement *models.Agreement
		replay    bool
	)
	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		escrow, agreement, err = s.loadForUpdate(ctx, tx, hook.AgreementID)
		if err != nil {
			return err
		}
		if escrow.HasWebhookEvent(eventID) {
			replay = true
			return nil
		}
		fresh, err := tx.RecordWebhookEvent(ctx, escrow.ID, eventID)
		if err != nil {
			return err
		}
		if !fresh {
			replay = true
			return nil
		}
		escrow.WebhookEventIDs = append(escrow.WebhookEventIDs, eventID)
		return s.lockDepositTx(ctx, tx, escrow, agreement, hook.PayerID, eventID)
	})
	if err != nil {
		return nil, false, err
	}

	if replay {
		logger.WithEscrow(escrow.ID, agreement.ID).WithField("event_id", eventID).Info("повторный webhook проигнорирован")
		return escrow, true, nil
	}
	dispatch(s.notifier, partiesNotification(agreement, models.EscrowEventDepositLocked, escrow))
	return escrow, false, nil
}

func (s *EscrowService) lockDepositTx(ctx context.Context, tx repository.LedgerTx, escrow *models.EscrowTransaction, agreement *models.Agreement, payerID uuid.UUID, eventID string) error {
	if models.PartyOf(agreement, payerID) != models.PartyTenant {
		return apperror.New(apperror.ErrCodeForbidden, "депозит вносит только арендатор по договору")
	}
	if escrow.Status != valueobject.EscrowStatusUnpaid {
		return apperror.Newf(apperror.ErrCodeInvalidState, "депозит уже внесён, статус escrow %s", escrow.Status)
	}

	now := s.now()
	escrow.Status = valueobject.EscrowStatusLocked
	escrow.WebhookVerified = true
	escrow.LockedAt = &now
	if err := tx.SaveEscrow(ctx, escrow); err != nil {
		return err
	}

	meta := map[string]any{
		"payer_id":     payerID.String(),
		"amount_cents": int64(escrow.AmountCents),
	}
	if eventID != "" {
		meta["webhook_event_id"] = eventID
	}
	if err := s.appendEvent(ctx, tx, escrow, models.EscrowEventDepositLocked, meta); err != nil {
		return err
	}
	if err := s.audit.Record(ctx, tx, payerID, models.AuditDepositLocked, models.EntityEscrow, escrow.ID, meta); err != nil {
		return err
	}

	logger.WithEscrow(escrow.ID, agreement.ID).Info("депозит заблокирован")
	return nil
}

// RequestRelease открывает взаимное освобождение и фиксирует подтверждение инициатора.
func (s *EscrowService) RequestRelease(ctx context.Context, agreementID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	var (
		escrow    *models.EscrowTransaction
		agreement *models.Agreement
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		escrow, agreement, err = s.loadForUpdate(ctx, tx, agreementID)
		if err != nil {
			return err
		}

		party := models.PartyOf(agreement, actorID)
		if !party.IsParty() {
			return apperror.ErrNotParty
		}
		if escrow.Status != valueobject.EscrowStatusLocked {
			return apperror.Newf(apperror.ErrCodeInvalidState, "освобождение можно запросить только для заблокированного депозита, статус %s", escrow.Status)
		}
		if !escrow.WebhookVerified {
			return apperror.ErrPaymentNotVerified
		}

		escrow.Status = valueobject.EscrowStatusReleaseRequested
		escrow.SetConfirmation(party)
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return err
		}

		meta := map[string]any{"actor_id": actorID.String(), "party": string(party)}
		if err := s.appendEvent(ctx, tx, escrow, models.EscrowEventReleaseRequested, meta); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, actorID, models.AuditReleaseRequested, models.EntityEscrow, escrow.ID, meta)
	})
	if err != nil {
		return nil, err
	}

	logger.WithEscrow(escrow.ID, agreement.ID).WithField("actor_id", actorID).Info("запрошено освобождение депозита")
	dispatch(s.notifier, partiesNotification(agreement, models.EscrowEventReleaseRequested, escrow))
	return escrow, nil
}

// ConfirmRelease фиксирует подтверждение стороны. Когда подтвердили обе стороны,
// выплата передаётся исполнителю в той же транзакции.
func (s *EscrowService) ConfirmRelease(ctx context.Context, agreementID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	var (
		escrow    *models.EscrowTransaction
		agreement *models.Agreement
		payout    *payoutResult
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		escrow, agreement, err = s.loadForUpdate(ctx, tx, agreementID)
		if err != nil {
			return err
		}

		party := models.PartyOf(agreement, actorID)
		if !party.IsParty() {
			return apperror.ErrNotParty
		}
		if escrow.Status != valueobject.EscrowStatusReleaseRequested {
			return apperror.Newf(apperror.ErrCodeInvalidState, "освобождение не запрошено, статус escrow %s", escrow.Status)
		}
		if escrow.ConfirmedBy(party) {
			return apperror.ErrAlreadyConfirmed
		}

		escrow.SetConfirmation(party)
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return err
		}
		meta := map[string]any{"actor_id": actorID.String(), "party": string(party)}
		if err := s.appendEvent(ctx, tx, escrow, models.EscrowEventReleaseConfirmed, meta); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, actorID, models.AuditReleaseConfirmed, models.EntityEscrow, escrow.ID, meta); err != nil {
			return err
		}

		if !escrow.BothConfirmed() {
			return nil
		}
		escrow, payout, err = s.coordinator.handOff(ctx, tx, escrow, agreement)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.WithEscrow(escrow.ID, agreement.ID).WithFields(logrus.Fields{
		"actor_id": actorID,
		"status":   escrow.Status,
	}).Info("освобождение подтверждено")

	pending := []notification{partiesNotification(agreement, models.EscrowEventReleaseConfirmed, escrow)}
	if payout != nil {
		pending = append(pending, partiesNotification(payout.agreement, models.EscrowEventReleased, escrow))
	}
	dispatch(s.notifier, pending...)
	return escrow, nil
}

// GetEscrow возвращает escrow договора стороне или администратору.
func (s *EscrowService) GetEscrow(ctx context.Context, agreementID uuid.UUID, actor Actor) (*models.EscrowTransaction, error) {
	var escrow *models.EscrowTransaction
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		e, agreement, err := s.loadForUpdate(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(agreement, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}
		escrow = e
		return nil
	})
	return escrow, err
}

// markDisputed переводит удерживаемый escrow в disputed и сбрасывает подтверждения.
func markDisputed(ctx context.Context, tx repository.LedgerTx, escrow *models.EscrowTransaction, disputeID uuid.UUID, now time.Time) error {
	if !escrow.Status.IsHeld() || !escrow.Status.CanTransitionTo(valueobject.EscrowStatusDisputed) {
		return apperror.Newf(apperror.ErrCodeInvalidState, "escrow в статусе %s нельзя оспорить", escrow.Status)
	}
	escrow.Status = valueobject.EscrowStatusDisputed
	escrow.ClearConfirmations()
	if err := tx.SaveEscrow(ctx, escrow); err != nil {
		return err
	}
	event := models.EscrowEvent{
		Event:     models.EscrowEventDisputed,
		Metadata:  map[string]any{"dispute_id": disputeID.String()},
		CreatedAt: now,
	}
	if err := tx.AppendEscrowEvent(ctx, escrow.ID, event); err != nil {
		return err
	}
	escrow.Events = append(escrow.Events, event)
	return nil
}

// loadForUpdate читает escrow и договор в порядке блокировок escrow → agreement.
func (s *EscrowService) loadForUpdate(ctx context.Context, tx repository.LedgerTx, agreementID uuid.UUID) (*models.EscrowTransaction, *models.Agreement, error) {
	escrow, err := tx.GetEscrowByAgreement(ctx, agreementID)
	if err != nil {
		return nil, nil, err
	}
	agreement, err := tx.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, nil, err
	}
	return escrow, agreement, nil
}

func (s *EscrowService) appendEvent(ctx context.Context, tx repository.LedgerTx, escrow *models.EscrowTransaction, name string, meta map[string]any) error {
	event := models.EscrowEvent{Event: name, Metadata: meta, CreatedAt: s.now()}
	if err := tx.AppendEscrowEvent(ctx, escrow.ID, event); err != nil {
		return err
	}
	escrow.Events = append(escrow.Events, event)
	return nil
}
