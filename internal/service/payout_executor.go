package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/repository"
)

// PayoutExecutor: единственный компонент, переводящий escrow в released.
// Прямой вызов и обработчик очереди сходятся в ExecutePayout.
type PayoutExecutor struct {
	ledger     repository.Ledger
	settlement Settlement
	audit      *AuditRecorder
	notifier   Notifier
	now        func() time.Time
}

func NewPayoutExecutor(ledger repository.Ledger, settlement Settlement, audit *AuditRecorder, notifier Notifier) *PayoutExecutor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &PayoutExecutor{
		ledger:     ledger,
		settlement: settlement,
		audit:      audit,
		notifier:   notifier,
		now:        time.Now,
	}
}

// payoutResult описывает выполненную выплату; nil для повторного вызова на released.
type payoutResult struct {
	agreement *models.Agreement
	split     valueobject.Split
	reason    string
}

// ExecutePayout выплачивает депозит по escrow. Повторный вызов на released escrow
// возвращает текущее состояние без побочных эффектов.
func (e *PayoutExecutor) ExecutePayout(ctx context.Context, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	var (
		escrow *models.EscrowTransaction
		result *payoutResult
	)
	err := e.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		escrow, result, err = e.executeInTx(ctx, tx, escrowID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result != nil {
		dispatch(e.notifier, partiesNotification(result.agreement, models.EscrowEventReleased, escrow))
	}
	return escrow, nil
}

func (e *PayoutExecutor) executeInTx(ctx context.Context, tx repository.LedgerTx, escrowID uuid.UUID) (*models.EscrowTransaction, *payoutResult, error) {
	escrow, err := tx.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	if escrow.Status == valueobject.EscrowStatusReleased {
		return escrow, nil, nil
	}
	if !escrow.WebhookVerified {
		return nil, nil, apperror.ErrPaymentNotVerified
	}

	agreement, err := tx.GetAgreement(ctx, escrow.AgreementID)
	if err != nil {
		return nil, nil, err
	}

	var (
		landlordPct valueobject.Percentage
		reason      string
		disputeID   *uuid.UUID
	)
	switch escrow.Status {
	case valueobject.EscrowStatusReleaseRequested:
		if !escrow.BothConfirmed() {
			return nil, nil, apperror.ErrReleaseNotConfirmed
		}
		// Взаимное освобождение: депозит целиком возвращается арендатору.
		landlordPct = 0
		reason = models.PayoutReasonMutualRelease
	case valueobject.EscrowStatusDisputed:
		resolved, err := tx.FindResolvedDispute(ctx, agreement.ID)
		if err != nil {
			return nil, nil, err
		}
		if resolved == nil || resolved.FinalDecisionPercentage == nil {
			return nil, nil, apperror.ErrDisputeUnresolved
		}
		// Решение по спору задаёт долю арендодателя.
		landlordPct, err = valueobject.NewPercentage(*resolved.FinalDecisionPercentage)
		if err != nil {
			return nil, nil, err
		}
		reason = models.PayoutReasonDisputeResolved
		disputeID = &resolved.ID
	default:
		return nil, nil, apperror.ErrNotReadyForPayout
	}

	split := valueobject.SplitDeposit(escrow.AmountCents, landlordPct)

	if err := e.settle(ctx, escrow.ID, agreement.TenantID, models.PartyTenant, split.TenantAmount); err != nil {
		return nil, nil, err
	}
	if err := e.settle(ctx, escrow.ID, agreement.LandlordID, models.PartyLandlord, split.LandlordAmount); err != nil {
		return nil, nil, err
	}

	now := e.now()
	escrow.Status = valueobject.EscrowStatusReleased
	escrow.ReleasedAt = &now
	escrow.TenantAmountCents = &split.TenantAmount
	escrow.LandlordAmountCents = &split.LandlordAmount
	if err := tx.SaveEscrow(ctx, escrow); err != nil {
		return nil, nil, err
	}

	meta := map[string]any{
		"reason":                reason,
		"tenant_amount_cents":   int64(split.TenantAmount),
		"landlord_amount_cents": int64(split.LandlordAmount),
		"tenant_pct":            int(split.TenantPct),
		"landlord_pct":          int(split.LandlordPct),
	}
	if disputeID != nil {
		meta["dispute_id"] = disputeID.String()
	}
	event := models.EscrowEvent{Event: models.EscrowEventReleased, Metadata: meta, CreatedAt: now}
	if err := tx.AppendEscrowEvent(ctx, escrow.ID, event); err != nil {
		return nil, nil, err
	}
	escrow.Events = append(escrow.Events, event)

	if !agreement.Status.CanTransitionTo(valueobject.AgreementStatusCompleted) {
		return nil, nil, apperror.Newf(apperror.ErrCodeInvalidState, "договор в статусе %s не может быть завершён", agreement.Status)
	}
	if err := tx.UpdateAgreementStatus(ctx, agreement.ID, valueobject.AgreementStatusCompleted); err != nil {
		return nil, nil, err
	}
	agreement.Status = valueobject.AgreementStatusCompleted

	if err := e.audit.Record(ctx, tx, models.SystemActor, models.AuditEscrowReleased, models.EntityEscrow, escrow.ID, meta); err != nil {
		return nil, nil, err
	}

	logger.WithEscrow(escrow.ID, agreement.ID).WithFields(logrus.Fields{
		"reason":          reason,
		"tenant_amount":   split.TenantAmount.String(),
		"landlord_amount": split.LandlordAmount.String(),
	}).Info("депозит выплачен")

	return escrow, &payoutResult{agreement: agreement, split: split, reason: reason}, nil
}

func (e *PayoutExecutor) settle(ctx context.Context, escrowID, payeeID uuid.UUID, party models.Party, amount valueobject.Cents) error {
	if amount == 0 {
		return nil
	}
	order := models.SettlementOrder{
		EscrowID:       escrowID,
		PayeeID:        payeeID,
		AmountCents:    amount,
		IdempotencyKey: fmt.Sprintf("%s:%s", escrowID, party),
	}
	if err := e.settlement.Settle(ctx, order); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeSettlementFailed, fmt.Sprintf("перевод доли %s не выполнен", party))
	}
	return nil
}
