package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
)

// Имена событий журнала escrow.
const (
	EscrowEventCreated          = "escrow_created"
	EscrowEventDepositLocked    = "deposit_locked"
	EscrowEventReleaseRequested = "release_requested"
	EscrowEventReleaseConfirmed = "release_confirmed"
	EscrowEventDisputed         = "escrow_disputed"
	EscrowEventDisputeResolved  = "dispute_resolved"
	EscrowEventDisputeRejected  = "dispute_rejected"
	EscrowEventPayoutQueued     = "payout_queued"
	EscrowEventReleased         = "escrow_released"
)

// EscrowEvent: запись append-only журнала escrow.
type EscrowEvent struct {
	Event     string         `json:"event"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EscrowTransaction хранит депозит по договору.
type EscrowTransaction struct {
	ID                         uuid.UUID                `db:"id" json:"id"`
	AgreementID                uuid.UUID                `db:"agreement_id" json:"agreement_id"`
	AmountCents                valueobject.Cents        `db:"amount_cents" json:"amount_cents"`
	Status                     valueobject.EscrowStatus `db:"status" json:"status"`
	WebhookVerified            bool                     `db:"webhook_verified" json:"webhook_verified"`
	LockedAt                   *time.Time               `db:"locked_at" json:"locked_at,omitempty"`
	ReleasedAt                 *time.Time               `db:"released_at" json:"released_at,omitempty"`
	ReleaseRequestedByTenant   bool                     `db:"release_requested_by_tenant" json:"release_requested_by_tenant"`
	ReleaseRequestedByLandlord bool                     `db:"release_requested_by_landlord" json:"release_requested_by_landlord"`
	TenantAmountCents          *valueobject.Cents       `db:"tenant_amount_cents" json:"tenant_amount_cents,omitempty"`
	LandlordAmountCents        *valueobject.Cents       `db:"landlord_amount_cents" json:"landlord_amount_cents,omitempty"`
	CreatedAt                  time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time                `db:"updated_at" json:"updated_at"`

	Events          []EscrowEvent `db:"-" json:"events"`
	WebhookEventIDs []string      `db:"-" json:"webhook_event_ids,omitempty"`
}

// ConfirmedBy возвращает флаг подтверждения стороны.
func (e *EscrowTransaction) ConfirmedBy(p Party) bool {
	switch p {
	case PartyTenant:
		return e.ReleaseRequestedByTenant
	case PartyLandlord:
		return e.ReleaseRequestedByLandlord
	}
	return false
}

// SetConfirmation выставляет флаг подтверждения стороны.
func (e *EscrowTransaction) SetConfirmation(p Party) {
	switch p {
	case PartyTenant:
		e.ReleaseRequestedByTenant = true
	case PartyLandlord:
		e.ReleaseRequestedByLandlord = true
	}
}

func (e *EscrowTransaction) BothConfirmed() bool {
	return e.ReleaseRequestedByTenant && e.ReleaseRequestedByLandlord
}

func (e *EscrowTransaction) ClearConfirmations() {
	e.ReleaseRequestedByTenant = false
	e.ReleaseRequestedByLandlord = false
}

// HasWebhookEvent проверяет, обрабатывался ли внешний webhook.
func (e *EscrowTransaction) HasWebhookEvent(eventID string) bool {
	for _, id := range e.WebhookEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// Clone возвращает глубокую копию записи.
func (e *EscrowTransaction) Clone() *EscrowTransaction {
	if e == nil {
		return nil
	}
	c := *e
	c.LockedAt = cloneTime(e.LockedAt)
	c.ReleasedAt = cloneTime(e.ReleasedAt)
	if e.TenantAmountCents != nil {
		v := *e.TenantAmountCents
		c.TenantAmountCents = &v
	}
	if e.LandlordAmountCents != nil {
		v := *e.LandlordAmountCents
		c.LandlordAmountCents = &v
	}
	c.Events = make([]EscrowEvent, len(e.Events))
	for i, ev := range e.Events {
		c.Events[i] = EscrowEvent{Event: ev.Event, Metadata: cloneMap(ev.Metadata), CreatedAt: ev.CreatedAt}
	}
	c.WebhookEventIDs = append([]string(nil), e.WebhookEventIDs...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
