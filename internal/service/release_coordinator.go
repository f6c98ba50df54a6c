package service

import (
	"context"

	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/repository"
)

// ReleaseCoordinator передаёт escrow исполнителю выплат, когда обе стороны подтвердили освобождение.
type ReleaseCoordinator struct {
	executor *PayoutExecutor
	audit    *AuditRecorder
	async    bool
}

// NewReleaseCoordinator создаёт координатор. При async выплата ставится в outbox
// вместо немедленного исполнения.
func NewReleaseCoordinator(executor *PayoutExecutor, audit *AuditRecorder, async bool) *ReleaseCoordinator {
	return &ReleaseCoordinator{executor: executor, audit: audit, async: async}
}

// handOff выполняется в транзакции подтверждения.
// Возвращает результат выплаты, если она исполнена синхронно.
func (c *ReleaseCoordinator) handOff(ctx context.Context, tx repository.LedgerTx, escrow *models.EscrowTransaction, agreement *models.Agreement) (*models.EscrowTransaction, *payoutResult, error) {
	active, err := tx.FindActiveDispute(ctx, agreement.ID)
	if err != nil {
		return nil, nil, err
	}
	if active != nil {
		return nil, nil, apperror.New(apperror.ErrCodeConflict, "по договору открыт спор, взаимное освобождение отменено")
	}

	if !c.async {
		return c.executor.executeInTx(ctx, tx, escrow.ID)
	}

	if err := enqueuePayout(ctx, tx, c.audit, escrow, models.PayoutReasonMutualRelease); err != nil {
		return nil, nil, err
	}
	return escrow, nil, nil
}

// enqueuePayout пишет задачу выплаты в outbox той же транзакции.
func enqueuePayout(ctx context.Context, tx repository.LedgerTx, audit *AuditRecorder, escrow *models.EscrowTransaction, reason string) error {
	job := &models.PayoutJob{EscrowID: escrow.ID, Reason: reason}
	if err := tx.EnqueuePayout(ctx, job); err != nil {
		return err
	}
	meta := map[string]any{"job_id": job.ID.String(), "reason": reason}
	event := models.EscrowEvent{Event: models.EscrowEventPayoutQueued, Metadata: meta, CreatedAt: job.CreatedAt}
	if err := tx.AppendEscrowEvent(ctx, escrow.ID, event); err != nil {
		return err
	}
	escrow.Events = append(escrow.Events, event)
	return audit.Record(ctx, tx, models.SystemActor, models.AuditPayoutQueued, models.EntityEscrow, escrow.ID, meta)
}
