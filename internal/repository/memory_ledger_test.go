package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/rental-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/rental-escrow/internal/models"
	"github.com/ignatzorin/rental-escrow/internal/pkg/apperror"
)

func seedEscrow(t *testing.T, l *MemoryLedger) (*models.Agreement, *models.EscrowTransaction) {
	t.Helper()
	ctx := context.Background()
	agreement := &models.Agreement{
		TenantID:     uuid.New(),
		LandlordID:   uuid.New(),
		PropertyID:   uuid.New(),
		DepositCents: 10000,
		Status:       valueobject.AgreementStatusActive,
	}
	escrow := &models.EscrowTransaction{AmountCents: 10000, Status: valueobject.EscrowStatusUnpaid}
	err := l.InTx(ctx, func(tx LedgerTx) error {
		if err := tx.CreateAgreement(ctx, agreement); err != nil {
			return err
		}
		escrow.AgreementID = agreement.ID
		return tx.CreateEscrow(ctx, escrow)
	})
	require.NoError(t, err)
	return agreement, escrow
}

func TestMemoryLedger_RollbackOnError(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	agreement, escrow := seedEscrow(t, l)

	boom := errors.New("boom")
	err := l.InTx(ctx, func(tx LedgerTx) error {
		e, err := tx.GetEscrow(ctx, escrow.ID)
		if err != nil {
			return err
		}
		e.Status = valueobject.EscrowStatusLocked
		if err := tx.SaveEscrow(ctx, e); err != nil {
			return err
		}
		if err := tx.AppendEscrowEvent(ctx, e.ID, models.EscrowEvent{Event: models.EscrowEventDepositLocked}); err != nil {
			return err
		}
		if err := tx.UpdateAgreementStatus(ctx, agreement.ID, valueobject.AgreementStatusDisputed); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &models.AuditEntry{Action: "x", EntityID: e.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = l.InTx(ctx, func(tx LedgerTx) error {
		e, err := tx.GetEscrow(ctx, escrow.ID)
		require.NoError(t, err)
		assert.Equal(t, valueobject.EscrowStatusUnpaid, e.Status)
		assert.Empty(t, e.Events)

		a, err := tx.GetAgreement(ctx, agreement.ID)
		require.NoError(t, err)
		assert.Equal(t, valueobject.AgreementStatusActive, a.Status)

		entries, err := tx.ListAudit(ctx, escrow.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryLedger_ReturnsCopies(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_, escrow := seedEscrow(t, l)

	err := l.InTx(ctx, func(tx LedgerTx) error {
		e, err := tx.GetEscrow(ctx, escrow.ID)
		require.NoError(t, err)
		e.Status = valueobject.EscrowStatusReleased
		e.Events = append(e.Events, models.EscrowEvent{Event: "forged"})

		again, err := tx.GetEscrow(ctx, escrow.ID)
		require.NoError(t, err)
		assert.Equal(t, valueobject.EscrowStatusUnpaid, again.Status)
		assert.Empty(t, again.Events)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryLedger_SaveEscrowKeepsEventLog(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_, escrow := seedEscrow(t, l)

	err := l.InTx(ctx, func(tx LedgerTx) error {
		require.NoError(t, tx.AppendEscrowEvent(ctx, escrow.ID, models.EscrowEvent{Event: models.EscrowEventCreated}))
		e, err := tx.GetEscrow(ctx, escrow.ID)
		require.NoError(t, err)
		e.Events = nil
		e.Status = valueobject.EscrowStatusLocked
		return tx.SaveEscrow(ctx, e)
	})
	require.NoError(t, err)

	err = l.InTx(ctx, func(tx LedgerTx) error {
		e, err := tx.GetEscrow(ctx, escrow.ID)
		require.NoError(t, err)
		assert.Equal(t, valueobject.EscrowStatusLocked, e.Status)
		require.Len(t, e.Events, 1)
		assert.Equal(t, models.EscrowEventCreated, e.Events[0].Event)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryLedger_OneActiveDispute(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	agreement, _ := seedEscrow(t, l)

	first := &models.Dispute{AgreementID: agreement.ID, Status: valueobject.DisputeStatusOpen}
	require.NoError(t, l.InTx(ctx, func(tx LedgerTx) error { return tx.CreateDispute(ctx, first) }))

	err := l.InTx(ctx, func(tx LedgerTx) error {
		return tx.CreateDispute(ctx, &models.Dispute{AgreementID: agreement.ID, Status: valueobject.DisputeStatusOpen})
	})
	assert.True(t, apperror.IsConflict(err))

	err = l.InTx(ctx, func(tx LedgerTx) error {
		d, err := tx.GetDispute(ctx, first.ID)
		if err != nil {
			return err
		}
		d.Status = valueobject.DisputeStatusRejected
		if err := tx.SaveDispute(ctx, d); err != nil {
			return err
		}
		active, err := tx.FindActiveDispute(ctx, agreement.ID)
		assert.Nil(t, active)
		return err
	})
	require.NoError(t, err)

	err = l.InTx(ctx, func(tx LedgerTx) error {
		return tx.CreateDispute(ctx, &models.Dispute{AgreementID: agreement.ID, Status: valueobject.DisputeStatusOpen})
	})
	assert.NoError(t, err)
}

func TestMemoryLedger_WebhookEvents(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_, escrow := seedEscrow(t, l)

	var fresh []bool
	for i := 0; i < 2; i++ {
		err := l.InTx(ctx, func(tx LedgerTx) error {
			ok, err := tx.RecordWebhookEvent(ctx, escrow.ID, "evt_1")
			fresh = append(fresh, ok)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, false}, fresh)
}

func TestMemoryLedger_PayoutOutbox(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	job := &models.PayoutJob{EscrowID: uuid.New(), Reason: models.PayoutReasonDisputeResolved}
	require.NoError(t, l.InTx(ctx, func(tx LedgerTx) error { return tx.EnqueuePayout(ctx, job) }))
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Equal(t, job.CreatedAt, job.AvailableAt)

	now := job.CreatedAt.Add(time.Second)
	lease := time.Minute
	claim := func(at time.Time) []models.PayoutJob {
		var jobs []models.PayoutJob
		require.NoError(t, l.InTx(ctx, func(tx LedgerTx) error {
			var err error
			jobs, err = tx.ClaimPayoutJobs(ctx, at, at.Add(-lease), 10)
			return err
		}))
		return jobs
	}

	jobs := claim(now)
	require.Len(t, jobs, 1)
	require.NoError(t, l.InTx(ctx, func(tx LedgerTx) error {
		return tx.MarkPayoutDispatched(ctx, job.ID, now)
	}))

	// Отправленная задача остаётся в outbox до завершения и ждёт истечения аренды.
	assert.Empty(t, claim(now.Add(lease/2)))
	reclaimed := claim(now.Add(lease + time.Second))
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.ID, reclaimed[0].ID)

	// Возврат в outbox сдвигает срок и снимает отметку отправки.
	retryAt := now.Add(10 * time.Minute)
	require.NoError(t, l.InTx(ctx, func(tx LedgerTx) error {
		return tx.RetryPayoutJob(ctx, job.ID, retryAt)
	}))
	assert.Empty(t, claim(retryAt.Add(-time.Second)))
	retried := claim(retryAt)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Attempts)
	assert.Nil(t, retried[0].DispatchedAt)

	require.NoError(t, l.InTx(ctx, func(tx LedgerTx) error {
		return tx.CompletePayoutJob(ctx, job.ID, retryAt)
	}))
	assert.Empty(t, claim(retryAt.Add(time.Hour)))

	// Завершённую задачу повторный возврат не воскрешает.
	require.NoError(t, l.InTx(ctx, func(tx LedgerTx) error {
		return tx.RetryPayoutJob(ctx, job.ID, retryAt)
	}))
	assert.Empty(t, claim(retryAt.Add(time.Hour)))

	for name, op := range map[string]func(tx LedgerTx) error{
		"dispatch": func(tx LedgerTx) error { return tx.MarkPayoutDispatched(ctx, uuid.New(), now) },
		"complete": func(tx LedgerTx) error { return tx.CompletePayoutJob(ctx, uuid.New(), now) },
		"retry":    func(tx LedgerTx) error { return tx.RetryPayoutJob(ctx, uuid.New(), now) },
	} {
		err := l.InTx(ctx, op)
		assert.True(t, apperror.IsNotFound(err), name)
	}
}

func TestMemoryLedger_ReputationDefault(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	userID := uuid.New()

	err := l.InTx(ctx, func(tx LedgerTx) error {
		score, err := tx.GetReputation(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, valueobject.DefaultReputation, score)
		return tx.SetReputation(ctx, userID, 70)
	})
	require.NoError(t, err)

	err = l.InTx(ctx, func(tx LedgerTx) error {
		score, err := tx.GetReputation(ctx, userID)
		assert.Equal(t, valueobject.Reputation(70), score)
		return err
	})
	require.NoError(t, err)
}

func TestMemoryLedger_CanceledContext(t *testing.T) {
	l := NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.InTx(ctx, func(LedgerTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
