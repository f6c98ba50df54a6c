package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
)

// Agreement: договор аренды, к которому привязан депозит.
type Agreement struct {
	ID           uuid.UUID                   `db:"id" json:"id"`
	TenantID     uuid.UUID                   `db:"tenant_id" json:"tenant_id"`
	LandlordID   uuid.UUID                   `db:"landlord_id" json:"landlord_id"`
	PropertyID   uuid.UUID                   `db:"property_id" json:"property_id"`
	LeaseStart   time.Time                   `db:"lease_start" json:"lease_start"`
	LeaseEnd     time.Time                   `db:"lease_end" json:"lease_end"`
	DepositCents valueobject.Cents           `db:"deposit_cents" json:"deposit_cents"`
	Status       valueobject.AgreementStatus `db:"status" json:"status"`
	CreatedAt    time.Time                   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time                   `db:"updated_at" json:"updated_at"`
}

// Party: роль пользователя относительно договора.
type Party string

const (
	PartyTenant   Party = "tenant"
	PartyLandlord Party = "landlord"
	PartyNeither  Party = "neither"
)

// PartyOf определяет, кем пользователь приходится договору.
func PartyOf(a *Agreement, userID uuid.UUID) Party {
	if a == nil || userID == uuid.Nil {
		return PartyNeither
	}
	switch userID {
	case a.TenantID:
		return PartyTenant
	case a.LandlordID:
		return PartyLandlord
	}
	return PartyNeither
}

func (p Party) IsParty() bool {
	return p == PartyTenant || p == PartyLandlord
}
