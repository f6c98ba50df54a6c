package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/models"
)

// Ledger: хранилище договоров и escrow с атомарным read-modify-write.
// Все изменения выполняются только внутри InTx; ошибка fn откатывает транзакцию целиком.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx: операции, доступные внутри транзакции.
// Get* методы блокируют запись до конца транзакции.
type LedgerTx interface {
	CreateAgreement(ctx context.Context, a *models.Agreement) error
	GetAgreement(ctx context.Context, id uuid.UUID) (*models.Agreement, error)
	UpdateAgreementStatus(ctx context.Context, id uuid.UUID, status valueobject.AgreementStatus) error

	CreateEscrow(ctx context.Context, e *models.EscrowTransaction) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetEscrowByAgreement(ctx context.Context, agreementID uuid.UUID) (*models.EscrowTransaction, error)
	// SaveEscrow сохраняет скалярные поля; журнал событий пишется только через AppendEscrowEvent.
	SaveEscrow(ctx context.Context, e *models.EscrowTransaction) error
	AppendEscrowEvent(ctx context.Context, escrowID uuid.UUID, ev models.EscrowEvent) error
	// RecordWebhookEvent возвращает false, если событие уже обрабатывалось.
	RecordWebhookEvent(ctx context.Context, escrowID uuid.UUID, eventID string) (bool, error)

	// CreateDispute возвращает apperror.ErrActiveDispute, если по договору уже есть активный спор.
	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	SaveDispute(ctx context.Context, d *models.Dispute) error
	// FindActiveDispute возвращает nil, nil если активного спора нет.
	FindActiveDispute(ctx context.Context, agreementID uuid.UUID) (*models.Dispute, error)
	FindResolvedDispute(ctx context.Context, agreementID uuid.UUID) (*models.Dispute, error)
	ListDisputes(ctx context.Context, agreementID uuid.UUID) ([]models.Dispute, error)

	CreateEvidence(ctx context.Context, ev *models.Evidence) error
	GetEvidence(ctx context.Context, id uuid.UUID) (*models.Evidence, error)
	ListEvidence(ctx context.Context, agreementID uuid.UUID) ([]models.Evidence, error)

	GetReputation(ctx context.Context, userID uuid.UUID) (valueobject.Reputation, error)
	SetReputation(ctx context.Context, userID uuid.UUID, score valueobject.Reputation) error

	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, entityID uuid.UUID) ([]models.AuditEntry, error)

	EnqueuePayout(ctx context.Context, job *models.PayoutJob) error
	// ClaimPayoutJobs возвращает незавершённые задачи, срок которых наступил к now:
	// ещё не отправленные и отправленные раньше leaseBefore, чья доставка считается потерянной.
	ClaimPayoutJobs(ctx context.Context, now, leaseBefore time.Time, limit int) ([]models.PayoutJob, error)
	MarkPayoutDispatched(ctx context.Context, jobID uuid.UUID, at time.Time) error
	CompletePayoutJob(ctx context.Context, jobID uuid.UUID, at time.Time) error
	// RetryPayoutJob возвращает задачу в outbox до availableAt и увеличивает счётчик попыток.
	RetryPayoutJob(ctx context.Context, jobID uuid.UUID, availableAt time.Time) error
}
