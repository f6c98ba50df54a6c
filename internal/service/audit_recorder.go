package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/repository"
)

// AuditRecorder пишет журнал аудита в той же транзакции, что и изменение состояния.
type AuditRecorder struct {
	ledger repository.Ledger
	now    func() time.Time
}

func NewAuditRecorder(ledger repository.Ledger) *AuditRecorder {
	return &AuditRecorder{ledger: ledger, now: time.Now}
}

// Record добавляет запись в журнал. Ошибка записи откатывает всю транзакцию.
func (r *AuditRecorder) Record(ctx context.Context, tx repository.LedgerTx, actorID uuid.UUID, action, entityType string, entityID uuid.UUID, metadata map[string]any) error {
	entry := &models.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   metadata,
		CreatedAt:  r.now(),
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit: append %s: %w", action, err)
	}
	return nil
}

// AgreementTrail возвращает журнал по договору, его escrow, спорам и доказательствам.
func (r *AuditRecorder) AgreementTrail(ctx context.Context, agreementID uuid.UUID, actor Actor) ([]models.AuditEntry, error) {
	var trail []models.AuditEntry
	err := r.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		agreement, err := tx.GetAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !models.PartyOf(agreement, actor.ID).IsParty() {
			return apperror.ErrNotParty
		}

		entityIDs := []uuid.UUID{agreement.ID}
		escrow, err := tx.GetEscrowByAgreement(ctx, agreementID)
		switch {
		case err == nil:
			entityIDs = append(entityIDs, escrow.ID)
		case !apperror.IsNotFound(err):
			return err
		}

		disputes, err := tx.ListDisputes(ctx, agreementID)
		if err != nil {
			return err
		}
		for _, d := range disputes {
			entityIDs = append(entityIDs, d.ID)
		}

		evidence, err := tx.ListEvidence(ctx, agreementID)
		if err != nil {
			return err
		}
		for _, ev := range evidence {
			entityIDs = append(entityIDs, ev.ID)
		}

		trail = make([]models.AuditEntry, 0)
		for _, id := range entityIDs {
			entries, err := tx.ListAudit(ctx, id)
			if err != nil {
				return err
			}
			trail = append(trail, entries...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(trail, func(i, j int) bool { return trail[i].CreatedAt.Before(trail[j].CreatedAt) })
	return trail, nil
}

// EntityTrail возвращает журнал по одной сущности. Доступно только администратору.
func (r *AuditRecorder) EntityTrail(ctx context.Context, entityID uuid.UUID, actor Actor) ([]models.AuditEntry, error) {
	if !actor.IsAdmin() {
		return nil, apperror.ErrForbidden
	}
	var entries []models.AuditEntry
	err := r.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		entries, err = tx.ListAudit(ctx, entityID)
		return err
	})
	return entries, err
}
