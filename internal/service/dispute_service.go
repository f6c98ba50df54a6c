package service

import (
	"context"
	"errors"
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

const (
	defaultReviewTimeout = 20 * time.Second
	reviewAttempts       = 2

	// Изменения рейтинга по итогам спора.
	reputationPenalty = -10
	reputationBonus   = 5
)

// DisputeService управляет жизненным циклом спора: открытие, AI проверка, решение администратора.
type DisputeService struct {
	ledger        repository.Ledger
	reviewer      Reviewer
	audit         *AuditRecorder
	notifier      Notifier
	reviewTimeout time.Duration
	now           func() time.Time
}

func NewDisputeService(ledger repository.Ledger, reviewer Reviewer, audit *AuditRecorder, notifier Notifier, reviewTimeout time.Duration) *DisputeService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if reviewTimeout <= 0 {
		reviewTimeout = defaultReviewTimeout
	}
	return &DisputeService{
		ledger:        ledger,
		reviewer:      reviewer,
		audit:         audit,
		notifier:      notifier,
		reviewTimeout: reviewTimeout,
		now:           time.Now,
	}
}

// CreateDispute открывает спор по удерживаемому депозиту и переводит escrow в disputed.
func (s *DisputeService) CreateDispute(ctx context.Context, agreementID, raisedBy uuid.UUID, reason string) (*models.Dispute, error) {
	reason, err := validation.DisputeReason(reason)
	if err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	var (
		dispute   *models.Dispute
		agreement *models.Agreement
	)
	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		escrow, err := tx.GetEscrowByAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		agreement, err = tx.GetAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		if !models.PartyOf(agreement, raisedBy).IsParty() {
			return apperror.ErrNotParty
		}

		active, err := tx.FindActiveDispute(ctx, agreementID)
		if err != nil {
			return err
		}
		if active != nil {
			return apperror.ErrActiveDispute
		}
		if !escrow.Status.IsHeld() {
			return apperror.Newf(apperror.ErrCodeInvalidState, "спор можно открыть только по удерживаемому депозиту, статус escrow %s", escrow.Status)
		}

		dispute = &models.Dispute{
			AgreementID: agreementID,
			RaisedBy:    raisedBy,
			Reason:      reason,
			Status:      valueobject.DisputeStatusOpen,
		}
		if err := tx.CreateDispute(ctx, dispute); err != nil {
			return err
		}
		if err := markDisputed(ctx, tx, escrow, dispute.ID, s.now()); err != nil {
			return err
		}
		if agreement.Status.CanTransitionTo(valueobject.AgreementStatusDisputed) {
			if err := tx.UpdateAgreementStatus(ctx, agreementID, valueobject.AgreementStatusDisputed); err != nil {
				return err
			}
			agreement.Status = valueobject.AgreementStatusDisputed
		}

		return s.audit.Record(ctx, tx, raisedBy, models.AuditDisputeCreated, models.EntityDispute, dispute.ID, map[string]any{
			"agreement_id": agreementID.String(),
			"escrow_id":    escrow.ID.String(),
			"reason":       reason,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"dispute_id":   dispute.ID,
		"agreement_id": agreementID,
		"raised_by":    raisedBy,
	}).Info("открыт спор")
	dispatch(s.notifier, partiesNotification(agreement, "dispute_created", dispute))
	return dispute, nil
}

// RunAIReview запрашивает внешнюю оценку повреждений. Сетевой вызов выполняется вне транзакции.
// После двух неудачных попыток в спор записывается маркер ошибки и возвращается ErrReviewFailed.
func (s *DisputeService) RunAIReview(ctx context.Context, disputeID uuid.UUID, actor Actor) (*models.Dispute, error) {
	var (
		reason          string
		agreementID     uuid.UUID
		moveIn, moveOut []models.Evidence
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		dispute, agreement, err := s.loadDispute(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(agreement, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}
		if dispute.Status != valueobject.DisputeStatusOpen {
			return apperror.Newf(apperror.ErrCodeInvalidState, "AI проверка доступна только для открытого спора, статус %s", dispute.Status)
		}

		evidence, err := tx.ListEvidence(ctx, agreement.ID)
		if err != nil {
			return err
		}
		moveIn, moveOut = groupEvidence(evidence)
		reason = dispute.Reason
		agreementID = agreement.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	report, reviewErr := s.review(ctx, reason, moveIn, moveOut)

	var (
		dispute   *models.Dispute
		agreement *models.Agreement
	)
	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		if _, err := tx.GetEscrowByAgreement(ctx, agreementID); err != nil {
			return err
		}
		var err error
		if agreement, err = tx.GetAgreement(ctx, agreementID); err != nil {
			return err
		}
		if dispute, err = tx.GetDispute(ctx, disputeID); err != nil {
			return err
		}
		if dispute.Status != valueobject.DisputeStatusOpen {
			return apperror.Newf(apperror.ErrCodeInvalidState, "спор уже обработан, статус %s", dispute.Status)
		}

		now := s.now()
		if reviewErr != nil {
			dispute.AIReport = &models.AIReport{Error: reviewErr.Error(), FailedAt: &now}
			if err := tx.SaveDispute(ctx, dispute); err != nil {
				return err
			}
			return s.audit.Record(ctx, tx, actor.ID, models.AuditAIReviewFailed, models.EntityDispute, dispute.ID, map[string]any{
				"error":    reviewErr.Error(),
				"attempts": reviewAttempts,
			})
		}

		if !dispute.Status.CanTransitionTo(valueobject.DisputeStatusAIReviewed) {
			return apperror.Newf(apperror.ErrCodeInvalidState, "спор в статусе %s нельзя отметить проверенным", dispute.Status)
		}
		clamped := clampReport(report)
		pct := clamped.RecommendedPayoutPercentage
		dispute.AIReport = clamped
		dispute.RecommendedPayoutPercentage = &pct
		dispute.Status = valueobject.DisputeStatusAIReviewed
		dispute.ReviewedAt = &now
		if err := tx.SaveDispute(ctx, dispute); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, actor.ID, models.AuditAIReviewCompleted, models.EntityDispute, dispute.ID, map[string]any{
			"damage_detected":               clamped.DamageDetected,
			"severity_level":                clamped.SeverityLevel,
			"confidence_score":              clamped.ConfidenceScore,
			"recommended_payout_percentage": pct,
		})
	})
	if err != nil {
		return nil, err
	}

	entry := logger.Log.WithFields(logrus.Fields{"dispute_id": disputeID, "agreement_id": agreementID})
	if reviewErr != nil {
		entry.WithError(reviewErr).Warn("AI проверка не удалась")
		return dispute, apperror.Wrap(reviewErr, apperror.ErrCodeReviewFailed, apperror.ErrReviewFailed.Message)
	}
	entry.WithField("recommended_pct", *dispute.RecommendedPayoutPercentage).Info("AI проверка завершена")
	dispatch(s.notifier, partiesNotification(agreement, "dispute_ai_reviewed", dispute))
	return dispute, nil
}

// review делает до двух попыток, каждая ограничена reviewTimeout.
func (s *DisputeService) review(ctx context.Context, reason string, moveIn, moveOut []models.Evidence) (*models.AIReport, error) {
	var lastErr error
	for attempt := 1; attempt <= reviewAttempts; attempt++ {
		report, err := s.reviewOnce(ctx, reason, moveIn, moveOut)
		if err == nil {
			return report, nil
		}
		lastErr = err
		logger.Log.WithError(err).WithField("attempt", attempt).Warn("попытка AI проверки не удалась")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *DisputeService) reviewOnce(ctx context.Context, reason string, moveIn, moveOut []models.Evidence) (*models.AIReport, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.reviewTimeout)
	defer cancel()

	report, err := s.reviewer.Review(attemptCtx, reason, moveIn, moveOut)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, errors.New("review: пустой ответ")
	}
	return report, nil
}

// AdminResolve фиксирует решение администратора, меняет рейтинги сторон и ставит выплату в outbox.
// finalPct задаёт долю арендодателя.
func (s *DisputeService) AdminResolve(ctx context.Context, disputeID, adminID uuid.UUID, finalPct int, note string) (*models.Dispute, error) {
	pct, err := valueobject.NewPercentage(finalPct)
	if err != nil {
		return nil, err
	}
	if note, err = validation.ResolutionNote(note); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	agreementID, err := s.disputeAgreement(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	var (
		dispute   *models.Dispute
		agreement *models.Agreement
	)
	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		escrow, err := tx.GetEscrowByAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		if agreement, err = tx.GetAgreement(ctx, agreementID); err != nil {
			return err
		}
		if dispute, err = tx.GetDispute(ctx, disputeID); err != nil {
			return err
		}
		if dispute.Status != valueobject.DisputeStatusAIReviewed {
			return apperror.Newf(apperror.ErrCodeInvalidState, "решение возможно только после AI проверки, статус спора %s", dispute.Status)
		}
		if escrow.Status != valueobject.EscrowStatusDisputed {
			return apperror.Newf(apperror.ErrCodeInvalidState, "escrow не находится в споре, статус %s", escrow.Status)
		}

		now := s.now()
		decided := int(pct)
		dispute.FinalDecisionPercentage = &decided
		dispute.AdminOverride = true
		dispute.ResolvedBy = &adminID
		if note != "" {
			dispute.ResolutionNote = &note
		}
		dispute.Status = valueobject.DisputeStatusResolved
		dispute.ResolvedAt = &now
		if err := tx.SaveDispute(ctx, dispute); err != nil {
			return err
		}

		if err := s.adjustReputation(ctx, tx, adminID, agreement, dispute.ID, pct); err != nil {
			return err
		}

		split := valueobject.SplitDeposit(escrow.AmountCents, pct)
		meta := map[string]any{
			"dispute_id":            dispute.ID.String(),
			"landlord_pct":          int(split.LandlordPct),
			"tenant_pct":            int(split.TenantPct),
			"landlord_amount_cents": int64(split.LandlordAmount),
			"tenant_amount_cents":   int64(split.TenantAmount),
		}
		event := models.EscrowEvent{Event: models.EscrowEventDisputeResolved, Metadata: meta, CreatedAt: now}
		if err := tx.AppendEscrowEvent(ctx, escrow.ID, event); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, adminID, models.AuditDisputeResolved, models.EntityDispute, dispute.ID, meta); err != nil {
			return err
		}
		return enqueuePayout(ctx, tx, s.audit, escrow, models.PayoutReasonDisputeResolved)
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"dispute_id":   disputeID,
		"agreement_id": agreementID,
		"landlord_pct": finalPct,
	}).Info("спор разрешён администратором")
	dispatch(s.notifier, partiesNotification(agreement, "dispute_resolved", dispute))
	return dispute, nil
}

// adjustReputation: при pct > 50 арендатор -10, арендодатель +5; иначе наоборот.
func (s *DisputeService) adjustReputation(ctx context.Context, tx repository.LedgerTx, adminID uuid.UUID, agreement *models.Agreement, disputeID uuid.UUID, pct valueobject.Percentage) error {
	tenantDelta, landlordDelta := reputationBonus, reputationPenalty
	if pct > 50 {
		tenantDelta, landlordDelta = reputationPenalty, reputationBonus
	}

	changes := []struct {
		userID uuid.UUID
		delta  int
	}{
		{agreement.TenantID, tenantDelta},
		{agreement.LandlordID, landlordDelta},
	}
	for _, c := range changes {
		before, err := tx.GetReputation(ctx, c.userID)
		if err != nil {
			return err
		}
		after := before.Adjust(c.delta)
		if err := tx.SetReputation(ctx, c.userID, after); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, adminID, models.AuditReputationChanged, models.EntityUser, c.userID, map[string]any{
			"dispute_id": disputeID.String(),
			"delta":      c.delta,
			"before":     int(before),
			"after":      int(after),
		}); err != nil {
			return err
		}
	}
	return nil
}

// RejectDispute отклоняет открытый спор без проверки: escrow возвращается в locked, договор в active.
func (s *DisputeService) RejectDispute(ctx context.Context, disputeID, adminID uuid.UUID, note string) (*models.Dispute, error) {
	note, err := validation.ResolutionNote(note)
	if err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	agreementID, err := s.disputeAgreement(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	var (
		dispute   *models.Dispute
		agreement *models.Agreement
	)
	err = s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		escrow, err := tx.GetEscrowByAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		if agreement, err = tx.GetAgreement(ctx, agreementID); err != nil {
			return err
		}
		if dispute, err = tx.GetDispute(ctx, disputeID); err != nil {
			return err
		}
		if !dispute.Status.CanTransitionTo(valueobject.DisputeStatusRejected) {
			return apperror.Newf(apperror.ErrCodeInvalidState, "отклонить можно только открытый спор, статус %s", dispute.Status)
		}
		if !escrow.Status.CanTransitionTo(valueobject.EscrowStatusLocked) {
			return apperror.Newf(apperror.ErrCodeInvalidState, "escrow в статусе %s нельзя вернуть в locked", escrow.Status)
		}

		now := s.now()
		dispute.Status = valueobject.DisputeStatusRejected
		dispute.ResolvedBy = &adminID
		dispute.ResolvedAt = &now
		if note != "" {
			dispute.ResolutionNote = &note
		}
		if err := tx.SaveDispute(ctx, dispute); err != nil {
			return err
		}

		escrow.Status = valueobject.EscrowStatusLocked
		escrow.ClearConfirmations()
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return err
		}
		meta := map[string]any{"dispute_id": dispute.ID.String()}
		if err := tx.AppendEscrowEvent(ctx, escrow.ID, models.EscrowEvent{
			Event: models.EscrowEventDisputeRejected, Metadata: meta, CreatedAt: now,
		}); err != nil {
			return err
		}

		if agreement.Status.CanTransitionTo(valueobject.AgreementStatusActive) {
			if err := tx.UpdateAgreementStatus(ctx, agreementID, valueobject.AgreementStatusActive); err != nil {
				return err
			}
			agreement.Status = valueobject.AgreementStatusActive
		}
		return s.audit.Record(ctx, tx, adminID, models.AuditDisputeRejected, models.EntityDispute, dispute.ID, meta)
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{"dispute_id": disputeID, "agreement_id": agreementID}).Info("спор отклонён")
	dispatch(s.notifier, partiesNotification(agreement, "dispute_rejected", dispute))
	return dispute, nil
}

// GetDispute возвращает спор стороне договора или администратору.
func (s *DisputeService) GetDispute(ctx context.Context, disputeID uuid.UUID, actor Actor) (*models.Dispute, error) {
	var dispute *models.Dispute
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		d, agreement, err := s.loadDispute(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(agreement, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}
		dispute = d
		return nil
	})
	return dispute, err
}

// ListDisputes возвращает историю споров по договору.
func (s *DisputeService) ListDisputes(ctx context.Context, agreementID uuid.UUID, actor Actor) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		agreement, err := tx.GetAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(agreement, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}
		disputes, err = tx.ListDisputes(ctx, agreementID)
		return err
	})
	return disputes, err
}

// GetReputation возвращает рейтинг пользователя.
func (s *DisputeService) GetReputation(ctx context.Context, userID uuid.UUID) (valueobject.Reputation, error) {
	var score valueobject.Reputation
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		score, err = tx.GetReputation(ctx, userID)
		return err
	})
	return score, err
}

func (s *DisputeService) loadDispute(ctx context.Context, tx repository.LedgerTx, disputeID uuid.UUID) (*models.Dispute, *models.Agreement, error) {
	dispute, err := tx.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	agreement, err := tx.GetAgreement(ctx, dispute.AgreementID)
	if err != nil {
		return nil, nil, err
	}
	return dispute, agreement, nil
}

// disputeAgreement находит договор спора, чтобы затем брать блокировки в порядке escrow → agreement → dispute.
func (s *DisputeService) disputeAgreement(ctx context.Context, disputeID uuid.UUID) (uuid.UUID, error) {
	var agreementID uuid.UUID
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		agreementID = d.AgreementID
		return nil
	})
	return agreementID, err
}

// groupEvidence отбирает фото заезда и выезда в порядке загрузки.
func groupEvidence(evidence []models.Evidence) (moveIn, moveOut []models.Evidence) {
	moveIn = make([]models.Evidence, 0)
	moveOut = make([]models.Evidence, 0)
	for _, ev := range evidence {
		switch ev.Type {
		case valueobject.EvidenceTypeMoveIn:
			moveIn = append(moveIn, ev)
		case valueobject.EvidenceTypeMoveOut:
			moveOut = append(moveOut, ev)
		}
	}
	return moveIn, moveOut
}

func clampReport(r *models.AIReport) *models.AIReport {
	c := *r
	c.ConfidenceScore = valueobject.ClampConfidence(r.ConfidenceScore)
	c.RecommendedPayoutPercentage = int(valueobject.ClampPercentage(float64(r.RecommendedPayoutPercentage)))
	c.Error = ""
	c.FailedAt = nil
	return &c
}
