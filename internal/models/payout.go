package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
)

// Причины постановки выплаты в очередь
const (
	PayoutReasonMutualRelease   = "mutual_release"
	PayoutReasonDisputeResolved = "dispute_resolved"
)

// PayoutJob: строка outbox, которую воркер доставляет в очередь выплат.
// Строка остаётся в outbox до CompletedAt; отправленная, но не завершённая задача
// снова попадает в релей после истечения аренды.
type PayoutJob struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	EscrowID     uuid.UUID  `db:"escrow_id" json:"escrow_id"`
	Reason       string     `db:"reason" json:"reason"`
	Attempts     int        `db:"attempts" json:"attempts"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	AvailableAt  time.Time  `db:"available_at" json:"available_at"`
	DispatchedAt *time.Time `db:"dispatched_at" json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// SettlementOrder: перевод доли депозита одной стороне.
// IdempotencyKey стабилен для пары escrow и стороны, повторная отправка не дублирует перевод.
type SettlementOrder struct {
	EscrowID       uuid.UUID         `json:"escrow_id"`
	PayeeID        uuid.UUID         `json:"payee_id"`
	AmountCents    valueobject.Cents `json:"amount_cents"`
	IdempotencyKey string            `json:"idempotency_key"`
}
