package service

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/rental-escrow/internal/repository/common"
)

func TestPayoutExecutor_Preconditions(t *testing.T) {
	f := newFixture(t, false)

	unpaid := f.request(t, 10000)
	_, unpaidEscrow, err := f.agreements.ApproveAgreement(f.ctx, unpaid.ID, f.landlord)
	require.NoError(t, err)

	_, locked := f.lockedAgreement(t, 10000)

	requestedAgreement, requested := f.lockedAgreement(t, 10000)
	_, err = f.escrows.RequestRelease(f.ctx, requestedAgreement.ID, f.tenant)
	require.NoError(t, err)

	disputedAgreement, disputed := f.lockedAgreement(t, 10000)
	_, err = f.disputes.CreateDispute(f.ctx, disputedAgreement.ID, f.tenant, "спор без решения")
	require.NoError(t, err)

	tests := []struct {
		name     string
		escrowID uuid.UUID
		code     apperror.ErrorCode
	}{
		{"unpaid", unpaidEscrow.ID, apperror.ErrCodePaymentNotVerified},
		{"locked", locked.ID, apperror.ErrCodeNotReadyForPayout},
		{"one confirmation", requested.ID, apperror.ErrCodeReleaseUnconfirmed},
		{"unresolved dispute", disputed.ID, apperror.ErrCodeDisputeUnresolved},
		{"unknown escrow", uuid.New(), apperror.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.payouts.ExecutePayout(f.ctx, tt.escrowID)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperror.CodeOf(err))
		})
	}

	assert.Empty(t, f.settlement.Transfers())
}

func TestPayoutExecutor_RepeatedCallIsNoop(t *testing.T) {
	f := newFixture(t, false)
	agreement, escrow := f.lockedAgreement(t, 100000)
	dispute := f.reviewedDispute(t, agreement.ID, 30)

	_, err := f.disputes.AdminResolve(f.ctx, dispute.ID, f.admin, 30, "")
	require.NoError(t, err)

	first, err := f.payouts.ExecutePayout(f.ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.EscrowStatusReleased, first.Status)
	assert.Equal(t, valueobject.Cents(30000), *first.LandlordAmountCents)
	assert.Equal(t, valueobject.Cents(70000), *first.TenantAmountCents)

	second, err := f.payouts.ExecutePayout(f.ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.ReleasedAt, *second.ReleasedAt)
	assert.Equal(t, *first.TenantAmountCents, *second.TenantAmountCents)

	assert.Len(t, f.settlement.Transfers(), 2)
	assert.Equal(t, 1, countOf(f.auditActions(t, escrow.ID), models.AuditEscrowReleased))

	var releasedEvents int
	for _, ev := range f.escrow(t, agreement.ID).Events {
		if ev.Event == models.EscrowEventReleased {
			releasedEvents++
		}
	}
	assert.Equal(t, 1, releasedEvents)
}

func TestPayoutExecutor_SettlementFailureRollsBack(t *testing.T) {
	f := newFixture(t, false)
	agreement, escrow := f.lockedAgreement(t, 100000)

	_, err := f.escrows.RequestRelease(f.ctx, agreement.ID, f.tenant)
	require.NoError(t, err)

	f.settlement.FailWith(errors.New("bank offline"))
	_, err = f.escrows.ConfirmRelease(f.ctx, agreement.ID, f.landlord)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bank offline")
	assert.Equal(t, apperror.ErrCodeSettlementFailed, apperror.CodeOf(err))
	assert.Equal(t, apperror.ErrCodeSettlementFailed, apperror.CodeOf(common.MapError(err)))

	current := f.escrow(t, agreement.ID)
	assert.Equal(t, valueobject.EscrowStatusReleaseRequested, current.Status)
	assert.True(t, current.ReleaseRequestedByTenant)
	assert.False(t, current.ReleaseRequestedByLandlord)
	assert.Zero(t, countOf(f.auditActions(t, escrow.ID), models.AuditReleaseConfirmed))

	f.settlement.FailWith(nil)
	released, err := f.escrows.ConfirmRelease(f.ctx, agreement.ID, f.landlord)
	require.NoError(t, err)
	assert.Equal(t, valueobject.EscrowStatusReleased, released.Status)
	assert.Len(t, f.settlement.Transfers(), 1)
}

func TestPayoutExecutor_FullLandlordShare(t *testing.T) {
	f := newFixture(t, false)
	agreement, escrow := f.lockedAgreement(t, 99999)
	dispute := f.reviewedDispute(t, agreement.ID, 100)

	_, err := f.disputes.AdminResolve(f.ctx, dispute.ID, f.admin, 100, "")
	require.NoError(t, err)

	released, err := f.payouts.ExecutePayout(f.ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.Cents(99999), *released.LandlordAmountCents)
	assert.Equal(t, valueobject.Cents(0), *released.TenantAmountCents)

	transfers := f.settlement.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, f.landlord, transfers[0].Order.PayeeID)
	assert.Equal(t, escrow.ID.String()+":landlord", transfers[0].Order.IdempotencyKey)
}
